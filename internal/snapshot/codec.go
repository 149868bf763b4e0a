// Package snapshot converts the live timeline and menu state into the
// persisted editor_state document and back.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/ugcstudio/ugc-agent/internal/layout"
	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

// Version is written into every encoded document. It is advisory; decoding
// never branches on it.
const Version = "1.0.0"

// SavedAtLayout matches the millisecond ISO-8601 form used by the editor UI.
const SavedAtLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrEmpty is returned by Decode for a null or empty document.
var ErrEmpty = errors.New("empty editor state")

const (
	keyTimeline = "timeline"
	keyMenus    = "menus"
	keySavedAt  = "savedAt"
	keyVersion  = "version"

	legacyStateManager = "stateManagerData"
	legacyTimeline     = "timelineState"
)

// Document is the persisted editor_state object. Extra carries unknown
// top-level keys so they survive a decode/encode cycle.
type Document struct {
	Timeline timeline.Design
	Menus    layout.MenuState
	SavedAt  string
	Version  string
	Extra    map[string]json.RawMessage
}

// MarshalJSON writes the document with sorted top-level keys so equal
// documents always produce equal bytes.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+4)
	maps.Copy(out, d.Extra)

	fields := []struct {
		key string
		val any
	}{
		{keyTimeline, d.Timeline},
		{keyMenus, d.Menus},
		{keySavedAt, d.SavedAt},
		{keyVersion, d.Version},
	}
	for _, f := range fields {
		raw, err := json.Marshal(f.val)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.key, err)
		}
		out[f.key] = raw
	}
	return json.Marshal(out)
}

// Codec encodes and decodes editor state documents.
type Codec struct {
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Codec)

// WithClock replaces the time source used for savedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

func NewCodec(logger *slog.Logger, opts ...Option) *Codec {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Codec{now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode captures an independent copy of the timeline and menus.
func (c *Codec) Encode(d timeline.Design, menus layout.MenuState) Document {
	return Document{
		Timeline: d.Clone(),
		Menus:    menus,
		SavedAt:  c.now().UTC().Format(SavedAtLayout),
		Version:  Version,
	}
}

// Reset returns the canonical empty document used to clear a project.
func (c *Codec) Reset() Document {
	return c.Encode(timeline.NewDesign(), layout.DefaultMenuState())
}

// Decode parses a persisted document. Absent fields take their defaults,
// the legacy {stateManagerData, timelineState} shape is folded into the
// timeline, and integrity problems are repaired and logged rather than
// rejected.
func (c *Codec) Decode(raw []byte) (Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Document{}, ErrEmpty
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Document{}, fmt.Errorf("decode editor state: %w", err)
	}

	doc := Document{Version: Version}

	timelineRaw, ok := top[keyTimeline]
	if !ok || isNull(timelineRaw) {
		legacy, err := mergeLegacy(top)
		if err != nil {
			return Document{}, err
		}
		if legacy != nil {
			c.logger.Warn("decoding legacy editor state shape")
			timelineRaw = legacy
		}
	}
	design, err := decodeDesign(timelineRaw)
	if err != nil {
		return Document{}, err
	}
	if repairs := timeline.Repair(&design); len(repairs) > 0 {
		c.logger.Warn("editor state repaired on decode", "repairs", repairs)
	}
	doc.Timeline = design

	menus, err := decodeMenus(top[keyMenus])
	if err != nil {
		return Document{}, err
	}
	doc.Menus = menus

	if v, ok := top[keySavedAt]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &doc.SavedAt); err != nil {
			return Document{}, fmt.Errorf("decode savedAt: %w", err)
		}
	}
	if v, ok := top[keyVersion]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &doc.Version); err != nil {
			return Document{}, fmt.Errorf("decode version: %w", err)
		}
	}

	for k, v := range top {
		switch k {
		case keyTimeline, keyMenus, keySavedAt, keyVersion, legacyStateManager, legacyTimeline:
			continue
		}
		if doc.Extra == nil {
			doc.Extra = make(map[string]json.RawMessage)
		}
		doc.Extra[k] = v
	}
	return doc, nil
}

// SavedTime parses SavedAt. A zero time is returned when it is absent.
func (d Document) SavedTime() (time.Time, error) {
	if d.SavedAt == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, d.SavedAt)
}

// wireDesign distinguishes absent fields from zero values. Keys it does not
// declare are kept on Design.Extra.
type wireDesign struct {
	Size                *timeline.Size                  `json:"size"`
	FPS                 *int                            `json:"fps"`
	Duration            *float64                        `json:"duration"`
	Scale               *timeline.Scale                 `json:"scale"`
	Scroll              *timeline.Scroll                `json:"scroll"`
	Tracks              []timeline.Track                `json:"tracks"`
	TrackItemIDs        []string                        `json:"trackItemIds"`
	TrackItemsMap       map[string]timeline.TrackItem   `json:"trackItemsMap"`
	TrackItemDetailsMap map[string]timeline.ItemDetails `json:"trackItemDetailsMap"`
	TransitionIDs       []string                        `json:"transitionIds"`
	TransitionsMap      map[string]timeline.Transition  `json:"transitionsMap"`
}

func decodeDesign(raw json.RawMessage) (timeline.Design, error) {
	d := timeline.NewDesign()
	if len(raw) == 0 || isNull(raw) {
		return d, nil
	}

	var w wireDesign
	if err := json.Unmarshal(raw, &w); err != nil {
		return timeline.Design{}, fmt.Errorf("decode timeline: %w", err)
	}

	if w.Size != nil {
		d.Size = *w.Size
	}
	if w.FPS != nil && *w.FPS > 0 {
		d.FPS = *w.FPS
	}
	if w.Duration != nil && *w.Duration > 0 {
		d.Duration = *w.Duration
	}
	if w.Scale != nil {
		d.Scale = *w.Scale
	}
	if w.Scroll != nil {
		d.Scroll = *w.Scroll
	}
	if w.Tracks != nil {
		d.Tracks = w.Tracks
	}
	if w.TrackItemIDs != nil {
		d.TrackItemIDs = w.TrackItemIDs
	}
	if w.TrackItemsMap != nil {
		d.TrackItemsMap = w.TrackItemsMap
	}
	if w.TrackItemDetailsMap != nil {
		d.TrackItemDetailsMap = w.TrackItemDetailsMap
	}
	if w.TransitionIDs != nil {
		d.TransitionIDs = w.TransitionIDs
	}
	if w.TransitionsMap != nil {
		d.TransitionsMap = w.TransitionsMap
	}
	extra, err := timeline.ExtraFields(raw, w)
	if err != nil {
		return timeline.Design{}, fmt.Errorf("decode timeline: %w", err)
	}
	d.Extra = extra
	return d, nil
}

type wireMenus struct {
	ActiveMenuItem    *string `json:"activeMenuItem"`
	ShowMenuItem      *bool   `json:"showMenuItem"`
	ShowControlItem   *bool   `json:"showControlItem"`
	ShowToolboxItem   *bool   `json:"showToolboxItem"`
	ActiveToolboxItem *string `json:"activeToolboxItem"`
}

func decodeMenus(raw json.RawMessage) (layout.MenuState, error) {
	m := layout.DefaultMenuState()
	if len(raw) == 0 || isNull(raw) {
		return m, nil
	}
	var w wireMenus
	if err := json.Unmarshal(raw, &w); err != nil {
		return layout.MenuState{}, fmt.Errorf("decode menus: %w", err)
	}
	if w.ActiveMenuItem != nil {
		m.ActiveMenuItem = *w.ActiveMenuItem
	}
	if w.ShowMenuItem != nil {
		m.ShowMenuItem = *w.ShowMenuItem
	}
	if w.ShowControlItem != nil {
		m.ShowControlItem = *w.ShowControlItem
	}
	if w.ShowToolboxItem != nil {
		m.ShowToolboxItem = *w.ShowToolboxItem
	}
	if w.ActiveToolboxItem != nil {
		m.ActiveToolboxItem = *w.ActiveToolboxItem
	}
	return m, nil
}

// mergeLegacy overlays timelineState on stateManagerData key by key. It
// returns nil when neither is present.
func mergeLegacy(top map[string]json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	found := false
	for _, key := range []string{legacyStateManager, legacyTimeline} {
		raw, ok := top[key]
		if !ok || isNull(raw) {
			continue
		}
		var part map[string]json.RawMessage
		if err := json.Unmarshal(raw, &part); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		maps.Copy(merged, part)
		found = true
	}
	if !found {
		return nil, nil
	}
	return json.Marshal(merged)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
