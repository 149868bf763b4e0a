package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

// CommandType names an editor intent. The values match the event names the
// editor UI dispatches.
type CommandType string

const (
	AddVideo      CommandType = "add:video"
	AddImage      CommandType = "add:image"
	AddAudio      CommandType = "add:audio"
	AddText       CommandType = "add:text"
	AddTransition CommandType = "add:transition"
	LayerDelete   CommandType = "layer:delete"
	DesignResize  CommandType = "design:resize"
	HistoryUndo   CommandType = "history:undo"
	HistoryRedo   CommandType = "history:redo"
)

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrPayloadMismatch = errors.New("payload does not match command")
)

// itemType maps an add command to the item variant it creates.
func (c CommandType) itemType() (timeline.ItemType, bool) {
	switch c {
	case AddVideo:
		return timeline.ItemVideo, true
	case AddImage:
		return timeline.ItemImage, true
	case AddAudio:
		return timeline.ItemAudio, true
	case AddText:
		return timeline.ItemText, true
	}
	return "", false
}

// Payload is implemented by every command argument type.
type Payload interface {
	payload()
}

// AddItem places a new item on a track. An empty TrackID targets the
// primary track for the item type.
type AddItem struct {
	Item      timeline.TrackItem `json:"payload"`
	TrackID   string             `json:"resourceId,omitempty"`
	ScaleMode string             `json:"scaleMode,omitempty"`
}

// AddTransitionPayload bridges two items already on the timeline.
type AddTransitionPayload struct {
	Transition timeline.Transition `json:"transition"`
}

// DeleteItems removes items, their details and any transitions touching them.
type DeleteItems struct {
	IDs []string `json:"ids"`
}

// Resize changes the canvas dimensions.
type Resize struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Name   string `json:"name,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

func (AddItem) payload()              {}
func (AddTransitionPayload) payload() {}
func (DeleteItems) payload()          {}
func (Resize) payload()               {}

// DecodePayload parses the JSON argument of cmd into its payload type.
// Undo and redo take no payload and return nil.
func DecodePayload(cmd CommandType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch cmd {
	case HistoryUndo, HistoryRedo:
		return nil, nil
	case AddVideo, AddImage, AddAudio, AddText:
		var add AddItem
		if err := unmarshalPayload(raw, &add); err != nil {
			return nil, err
		}
		p = add
	case AddTransition:
		var add AddTransitionPayload
		if err := unmarshalPayload(raw, &add); err != nil {
			return nil, err
		}
		p = add
	case LayerDelete:
		var del DeleteItems
		if err := unmarshalPayload(raw, &del); err != nil {
			return nil, err
		}
		p = del
	case DesignResize:
		var r Resize
		if err := unmarshalPayload(raw, &r); err != nil {
			return nil, err
		}
		p = r
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	return p, nil
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrPayloadMismatch)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadMismatch, err)
	}
	return nil
}
