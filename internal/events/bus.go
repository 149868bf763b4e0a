// Package events turns editor intents into timeline mutations and keeps the
// linear undo/redo history of the session.
package events

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

const DefaultHistoryLimit = 100

const defaultTransitionLength = 500.0

// wellKnownTracks are created on first use; any other track id must exist.
var wellKnownTracks = map[string]timeline.TrackType{
	timeline.MainTrackID:      timeline.TrackVideo,
	timeline.MainAudioTrackID: timeline.TrackAudio,
	timeline.MainTextTrackID:  timeline.TrackText,
}

// Bus dispatches commands against a timeline store in the order received.
// Dispatch never blocks on I/O; slow work such as probing or uploading must
// finish before the command is sent.
type Bus struct {
	store  *timeline.Store
	logger *slog.Logger
	limit  int
	newID  func() string

	mu     sync.Mutex
	past   []timeline.Design
	future []timeline.Design
}

type Option func(*Bus)

// WithHistoryLimit caps the number of undo entries kept.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.limit = n
		}
	}
}

// WithIDGenerator overrides the id source for items and transitions.
func WithIDGenerator(fn func() string) Option {
	return func(b *Bus) {
		if fn != nil {
			b.newID = fn
		}
	}
}

func NewBus(store *timeline.Store, logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Bus{
		store:  store,
		logger: logger,
		limit:  DefaultHistoryLimit,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store returns the store the bus mutates.
func (b *Bus) Store() *timeline.Store {
	return b.store
}

// State returns a copy of the current Design.
func (b *Bus) State() timeline.Design {
	return b.store.State()
}

func (b *Bus) CanUndo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.past) > 0
}

func (b *Bus) CanRedo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.future) > 0
}

// Restore replaces the whole Design in one update and starts a fresh
// history. Dispatches queue behind it.
func (b *Bus) Restore(d timeline.Design) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store.Replace(d)
	b.past = nil
	b.future = nil
}

// Dispatch applies one command. Rejected commands leave the store and the
// history untouched.
func (b *Bus) Dispatch(cmd CommandType, p Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch cmd {
	case HistoryUndo:
		b.undoLocked()
		return nil
	case HistoryRedo:
		b.redoLocked()
		return nil
	case DesignResize:
		r, ok := p.(Resize)
		if !ok {
			return fmt.Errorf("%w: %s wants Resize, got %T", ErrPayloadMismatch, cmd, p)
		}
		return b.resizeLocked(r)
	}

	var mutate func(d *timeline.Design) error
	switch cmd {
	case AddVideo, AddImage, AddAudio, AddText:
		add, ok := p.(AddItem)
		if !ok {
			return fmt.Errorf("%w: %s wants AddItem, got %T", ErrPayloadMismatch, cmd, p)
		}
		itemType, _ := cmd.itemType()
		mutate = func(d *timeline.Design) error { return b.addItem(d, itemType, add) }
	case AddTransition:
		add, ok := p.(AddTransitionPayload)
		if !ok {
			return fmt.Errorf("%w: %s wants AddTransitionPayload, got %T", ErrPayloadMismatch, cmd, p)
		}
		mutate = func(d *timeline.Design) error { return b.addTransition(d, add.Transition) }
	case LayerDelete:
		del, ok := p.(DeleteItems)
		if !ok {
			return fmt.Errorf("%w: %s wants DeleteItems, got %T", ErrPayloadMismatch, cmd, p)
		}
		mutate = func(d *timeline.Design) error { return deleteItems(d, del.IDs) }
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	var before timeline.Design
	err := b.store.Update(func(d *timeline.Design) error {
		before = d.Clone()
		return mutate(d)
	})
	if err != nil {
		b.logger.Debug("command rejected", "command", string(cmd), "error", err)
		return fmt.Errorf("%s: %w", cmd, err)
	}
	b.recordLocked(before)
	return nil
}

func (b *Bus) recordLocked(before timeline.Design) {
	b.past = append(b.past, before)
	if len(b.past) > b.limit {
		b.past = slices.Delete(b.past, 0, len(b.past)-b.limit)
	}
	b.future = nil
}

func (b *Bus) undoLocked() {
	if len(b.past) == 0 {
		b.logger.Debug("undo with empty history")
		return
	}
	prev := b.past[len(b.past)-1]
	b.past = b.past[:len(b.past)-1]
	b.future = append(b.future, b.store.State())
	b.store.Replace(prev)
}

func (b *Bus) redoLocked() {
	if len(b.future) == 0 {
		b.logger.Debug("redo with empty future")
		return
	}
	next := b.future[len(b.future)-1]
	b.future = b.future[:len(b.future)-1]
	b.past = append(b.past, b.store.State())
	b.store.Replace(next)
}

func (b *Bus) resizeLocked(r Resize) error {
	before := b.store.State()
	applied, err := b.store.Resize(timeline.Size{Width: r.Width, Height: r.Height, Name: r.Name}, r.Force)
	if err != nil {
		return fmt.Errorf("%s: %w", DesignResize, err)
	}
	if applied {
		b.recordLocked(before)
	}
	return nil
}

func (b *Bus) addItem(d *timeline.Design, itemType timeline.ItemType, add AddItem) error {
	item := add.Item.Clone()
	if item.Type == "" {
		item.Type = itemType
	}
	if item.Type != itemType {
		return fmt.Errorf("%w: item type %q", ErrPayloadMismatch, item.Type)
	}
	if item.ID == "" {
		item.ID = b.newID()
	}
	if _, exists := d.TrackItemsMap[item.ID]; exists {
		return fmt.Errorf("%w: item %q", timeline.ErrDuplicateID, item.ID)
	}

	trackID := add.TrackID
	if trackID == "" {
		trackID = timeline.PrimaryTrackFor(itemType)
	}
	track, err := ensureTrack(d, trackID)
	if err != nil {
		return err
	}
	if !track.Type.Accepts(item.Type) {
		return fmt.Errorf("%w: %s item on %s track %q", timeline.ErrTrackTypeMismatch, item.Type, track.Type, track.ID)
	}

	if item.Display == (timeline.Display{}) {
		item.Display = appendWindow(d, track, item)
	} else if item.Display.From < 0 || item.Display.From >= item.Display.To {
		return fmt.Errorf("%w: from=%v to=%v", timeline.ErrInvalidDisplay, item.Display.From, item.Display.To)
	}
	if item.Duration == 0 {
		item.Duration = item.Display.Length()
	}
	if add.ScaleMode == "fit" {
		fitToCanvas(&item.Details, d.Size)
	}

	d.TrackItemsMap[item.ID] = item
	d.TrackItemIDs = append(d.TrackItemIDs, item.ID)
	d.TrackItemDetailsMap[item.ID] = timeline.ItemDetails{Type: item.Type, Details: item.Details}
	track.Items = append(track.Items, item.ID)
	if item.Display.To > d.Duration {
		d.Duration = item.Display.To
	}
	return nil
}

func ensureTrack(d *timeline.Design, id string) (*timeline.Track, error) {
	if track, ok := d.Track(id); ok {
		return track, nil
	}
	trackType, ok := wellKnownTracks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", timeline.ErrUnknownTrack, id)
	}
	d.Tracks = append(d.Tracks, timeline.Track{
		ID:       id,
		Type:     trackType,
		Items:    []string{},
		Magnetic: id == timeline.MainTrackID,
	})
	return &d.Tracks[len(d.Tracks)-1], nil
}

// appendWindow places an item right after the last item on its track.
func appendWindow(d *timeline.Design, track *timeline.Track, item timeline.TrackItem) timeline.Display {
	var start float64
	for _, id := range track.Items {
		if end := d.TrackItemsMap[id].Display.To; end > start {
			start = end
		}
	}

	length := item.Duration
	if length <= 0 && item.Trim != nil {
		length = item.Trim.To - item.Trim.From
	}
	if length <= 0 {
		length = timeline.DefaultItemLength
	}
	return timeline.Display{From: start, To: start + length}
}

// fitToCanvas scales media to fit inside the canvas and centers it.
func fitToCanvas(det *timeline.Details, canvas timeline.Size) {
	if det.Width <= 0 || det.Height <= 0 {
		return
	}
	scale := math.Min(float64(canvas.Width)/det.Width, float64(canvas.Height)/det.Height)
	det.Left = (float64(canvas.Width) - det.Width) / 2
	det.Top = (float64(canvas.Height) - det.Height) / 2
	det.Transform = fmt.Sprintf("scale(%g)", scale)
}

func (b *Bus) addTransition(d *timeline.Design, tr timeline.Transition) error {
	from, ok := d.TrackItemsMap[tr.FromID]
	if !ok {
		return fmt.Errorf("%w: %q", timeline.ErrUnknownItem, tr.FromID)
	}
	if _, ok := d.TrackItemsMap[tr.ToID]; !ok {
		return fmt.Errorf("%w: %q", timeline.ErrUnknownItem, tr.ToID)
	}

	trackID := ""
	for _, track := range d.Tracks {
		if slices.Contains(track.Items, from.ID) && slices.Contains(track.Items, tr.ToID) {
			trackID = track.ID
			break
		}
	}
	if trackID == "" {
		return fmt.Errorf("%w: %q and %q are not on one track", timeline.ErrUnknownTrack, tr.FromID, tr.ToID)
	}
	if tr.TrackID != "" && tr.TrackID != trackID {
		return fmt.Errorf("%w: %q", timeline.ErrUnknownTrack, tr.TrackID)
	}

	if tr.ID == "" {
		tr.ID = b.newID()
	}
	if _, exists := d.TransitionsMap[tr.ID]; exists {
		return fmt.Errorf("%w: transition %q", timeline.ErrDuplicateID, tr.ID)
	}
	if tr.Kind == "" {
		tr.Kind = "fade"
	}
	if tr.Duration <= 0 {
		tr.Duration = defaultTransitionLength
	}
	tr.TrackID = trackID

	d.TransitionsMap[tr.ID] = tr
	d.TransitionIDs = append(d.TransitionIDs, tr.ID)
	return nil
}

func deleteItems(d *timeline.Design, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no ids", timeline.ErrUnknownItem)
	}
	doomed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := d.TrackItemsMap[id]; !ok {
			return fmt.Errorf("%w: %q", timeline.ErrUnknownItem, id)
		}
		doomed[id] = struct{}{}
	}

	gone := func(id string) bool {
		_, ok := doomed[id]
		return ok
	}
	for id := range doomed {
		delete(d.TrackItemsMap, id)
		delete(d.TrackItemDetailsMap, id)
	}
	d.TrackItemIDs = slices.DeleteFunc(d.TrackItemIDs, gone)
	for i := range d.Tracks {
		d.Tracks[i].Items = slices.DeleteFunc(d.Tracks[i].Items, gone)
	}
	for id, tr := range d.TransitionsMap {
		if gone(tr.FromID) || gone(tr.ToID) {
			delete(d.TransitionsMap, id)
			d.TransitionIDs = slices.DeleteFunc(d.TransitionIDs, func(s string) bool { return s == id })
		}
	}
	return nil
}
