// Package timeline holds the editable Design document and the in-memory store
// that owns it for the lifetime of one editing session.
package timeline

import "encoding/json"

// Canvas and timing defaults applied to a fresh Design and to absent fields
// of a decoded snapshot.
const (
	DefaultDuration = 1000.0
	DefaultFPS      = 30
	DefaultWidth    = 1080
	DefaultHeight   = 1920

	// DefaultItemLength is used for items that carry no intrinsic duration
	// (images, text) when no display window is given.
	DefaultItemLength = 5000.0
)

// Well-known primary tracks, created on first use.
const (
	MainTrackID      = "main"
	MainAudioTrackID = "main-audio"
	MainTextTrackID  = "main-text"
)

type ItemType string

const (
	ItemVideo ItemType = "video"
	ItemImage ItemType = "image"
	ItemAudio ItemType = "audio"
	ItemText  ItemType = "text"
)

// Valid reports whether t is one of the known item variants.
func (t ItemType) Valid() bool {
	switch t {
	case ItemVideo, ItemImage, ItemAudio, ItemText:
		return true
	}
	return false
}

type TrackType string

const (
	TrackVideo TrackType = "video"
	TrackAudio TrackType = "audio"
	TrackText  TrackType = "text"
)

// Accepts reports whether an item of type it may be placed on a track of type t.
func (t TrackType) Accepts(it ItemType) bool {
	switch t {
	case TrackVideo:
		return it == ItemVideo || it == ItemImage
	case TrackAudio:
		return it == ItemAudio
	case TrackText:
		return it == ItemText
	}
	return false
}

// TrackTypeFor returns the lane type that holds items of type it.
func TrackTypeFor(it ItemType) TrackType {
	switch it {
	case ItemAudio:
		return TrackAudio
	case ItemText:
		return TrackText
	default:
		return TrackVideo
	}
}

// PrimaryTrackFor returns the well-known track id used when a command names no
// target track.
func PrimaryTrackFor(it ItemType) string {
	switch it {
	case ItemAudio:
		return MainAudioTrackID
	case ItemText:
		return MainTextTrackID
	default:
		return MainTrackID
	}
}

// Size is the canvas size. Name is the preset label ("9:16", "1:1") the
// size was picked from, when any.
type Size struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Name   string `json:"name,omitempty"`
}

// Scale is the ruler zoom of the timeline UI. It has no render semantics.
type Scale struct {
	Index    int     `json:"index"`
	Unit     int     `json:"unit"`
	Zoom     float64 `json:"zoom"`
	Segments int     `json:"segments"`
}

type Scroll struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

// Display is the [From, To) window of an item on the timeline, in ms.
type Display struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// Length returns To - From.
func (d Display) Length() float64 {
	return d.To - d.From
}

// Trim is the window of the source media that is played, in ms.
type Trim struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

type Crop struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Details is the type-specific payload of an item: media source, text content
// and geometric placement on the canvas.
type Details struct {
	Src          string  `json:"src,omitempty"`
	Text         string  `json:"text,omitempty"`
	FontFamily   string  `json:"fontFamily,omitempty"`
	FontSize     float64 `json:"fontSize,omitempty"`
	Color        string  `json:"color,omitempty"`
	TextAlign    string  `json:"textAlign,omitempty"`
	Top          float64 `json:"top,omitempty"`
	Left         float64 `json:"left,omitempty"`
	Width        float64 `json:"width,omitempty"`
	Height       float64 `json:"height,omitempty"`
	Opacity      float64 `json:"opacity,omitempty"`
	Transform    string  `json:"transform,omitempty"`
	Volume       float64 `json:"volume,omitempty"`
	BorderRadius float64 `json:"borderRadius,omitempty"`
	Crop         *Crop   `json:"crop,omitempty"`

	// Extra holds editor fields this model does not name (flipX, blur,
	// brightness, ...). They are written back unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

type TrackItem struct {
	ID           string         `json:"id"`
	Type         ItemType       `json:"type"`
	Name         string         `json:"name,omitempty"`
	Display      Display        `json:"display"`
	Trim         *Trim          `json:"trim,omitempty"`
	Duration     float64        `json:"duration,omitempty"`
	PlaybackRate float64        `json:"playbackRate,omitempty"`
	Details      Details        `json:"details"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ItemDetails is the trackItemDetailsMap entry for an item.
type ItemDetails struct {
	Type    ItemType `json:"type"`
	Details Details  `json:"details"`
}

type Track struct {
	ID       string    `json:"id"`
	Type     TrackType `json:"type"`
	Items    []string  `json:"items"`
	Magnetic bool      `json:"magnetic,omitempty"`
	Static   bool      `json:"static,omitempty"`
}

// Transition bridges two adjacent items on the same track.
type Transition struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	FromID   string  `json:"fromId"`
	ToID     string  `json:"toId"`
	TrackID  string  `json:"trackId,omitempty"`
	Duration float64 `json:"duration"`
}

// Design is the serializable timeline document: the unit of persistence and
// of render handoff.
type Design struct {
	Size                Size                   `json:"size"`
	FPS                 int                    `json:"fps"`
	Duration            float64                `json:"duration"`
	Scale               Scale                  `json:"scale"`
	Scroll              Scroll                 `json:"scroll"`
	Tracks              []Track                `json:"tracks"`
	TrackItemIDs        []string               `json:"trackItemIds"`
	TrackItemsMap       map[string]TrackItem   `json:"trackItemsMap"`
	TrackItemDetailsMap map[string]ItemDetails `json:"trackItemDetailsMap"`
	TransitionIDs       []string               `json:"transitionIds"`
	TransitionsMap      map[string]Transition  `json:"transitionsMap"`

	Extra map[string]json.RawMessage `json:"-"`
}

// DefaultSize returns the portrait canvas used for new projects.
func DefaultSize() Size {
	return Size{Width: DefaultWidth, Height: DefaultHeight}
}

// DefaultScale returns the ruler setting of a fresh timeline.
func DefaultScale() Scale {
	return Scale{Index: 7, Unit: 300, Zoom: 1.0 / 300, Segments: 5}
}

// NewDesign returns the canonical empty Design.
func NewDesign() Design {
	return Design{
		Size:                DefaultSize(),
		FPS:                 DefaultFPS,
		Duration:            DefaultDuration,
		Scale:               DefaultScale(),
		Scroll:              Scroll{},
		Tracks:              []Track{},
		TrackItemIDs:        []string{},
		TrackItemsMap:       map[string]TrackItem{},
		TrackItemDetailsMap: map[string]ItemDetails{},
		TransitionIDs:       []string{},
		TransitionsMap:      map[string]Transition{},
	}
}

// Clone returns a deep copy of d. Mutating the copy never affects d.
func (d Design) Clone() Design {
	out := d
	out.Tracks = make([]Track, len(d.Tracks))
	for i, t := range d.Tracks {
		out.Tracks[i] = t.clone()
	}
	out.TrackItemIDs = cloneStrings(d.TrackItemIDs)
	out.TransitionIDs = cloneStrings(d.TransitionIDs)

	out.TrackItemsMap = make(map[string]TrackItem, len(d.TrackItemsMap))
	for id, item := range d.TrackItemsMap {
		out.TrackItemsMap[id] = item.Clone()
	}
	out.TrackItemDetailsMap = make(map[string]ItemDetails, len(d.TrackItemDetailsMap))
	for id, det := range d.TrackItemDetailsMap {
		det.Details = det.Details.clone()
		out.TrackItemDetailsMap[id] = det
	}
	out.TransitionsMap = make(map[string]Transition, len(d.TransitionsMap))
	for id, tr := range d.TransitionsMap {
		out.TransitionsMap[id] = tr
	}
	out.Extra = cloneExtra(d.Extra)
	return out
}

// Track returns the track with the given id.
func (d *Design) Track(id string) (*Track, bool) {
	for i := range d.Tracks {
		if d.Tracks[i].ID == id {
			return &d.Tracks[i], true
		}
	}
	return nil, false
}

// MaxEnd returns the largest display.to over all items.
func (d *Design) MaxEnd() float64 {
	var end float64
	for _, item := range d.TrackItemsMap {
		if item.Display.To > end {
			end = item.Display.To
		}
	}
	return end
}

// Clone returns a deep copy of the item.
func (it TrackItem) Clone() TrackItem {
	out := it
	if it.Trim != nil {
		trim := *it.Trim
		out.Trim = &trim
	}
	out.Details = it.Details.clone()
	if it.Metadata != nil {
		out.Metadata = cloneJSONMap(it.Metadata)
	}
	out.Extra = cloneExtra(it.Extra)
	return out
}

func (d Details) clone() Details {
	if d.Crop != nil {
		crop := *d.Crop
		d.Crop = &crop
	}
	d.Extra = cloneExtra(d.Extra)
	return d
}

func (t Track) clone() Track {
	t.Items = cloneStrings(t.Items)
	return t
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// cloneJSONMap copies a decoded JSON object. Values that are not JSON-shaped
// containers are copied by value.
func cloneJSONMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneJSONValue(v)
	}
	return out
}

func cloneJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneJSONMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneJSONValue(e)
		}
		return out
	default:
		return val
	}
}
