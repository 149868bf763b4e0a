package timeline

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener receives an independent copy of the Design after each committed
// update. Listeners run synchronously in commit order and must not mutate the
// store from within the callback.
type Listener func(Design)

// Fields is a partial Design. Nil pointers, slices and maps leave the
// corresponding field untouched; use empty non-nil values to clear.
type Fields struct {
	Size                *Size
	FPS                 *int
	Duration            *float64
	Scale               *Scale
	Scroll              *Scroll
	Tracks              []Track
	TrackItemIDs        []string
	TrackItemsMap       map[string]TrackItem
	TrackItemDetailsMap map[string]ItemDetails
	TransitionIDs       []string
	TransitionsMap      map[string]Transition

	// Extra replaces Design.Extra; an empty non-nil map clears it.
	Extra map[string]json.RawMessage
}

// FieldsFrom returns Fields that set every key of d.
func FieldsFrom(d Design) Fields {
	d = d.Clone()
	return Fields{
		Size:                &d.Size,
		FPS:                 &d.FPS,
		Duration:            &d.Duration,
		Scale:               &d.Scale,
		Scroll:              &d.Scroll,
		Tracks:              d.Tracks,
		TrackItemIDs:        d.TrackItemIDs,
		TrackItemsMap:       d.TrackItemsMap,
		TrackItemDetailsMap: d.TrackItemDetailsMap,
		TransitionIDs:       d.TransitionIDs,
		TransitionsMap:      d.TransitionsMap,
		Extra:               extraOrEmpty(d.Extra),
	}
}

func extraOrEmpty(extra map[string]json.RawMessage) map[string]json.RawMessage {
	if extra == nil {
		return map[string]json.RawMessage{}
	}
	return extra
}

func (f Fields) applyTo(d *Design) {
	if f.Size != nil {
		d.Size = *f.Size
	}
	if f.FPS != nil {
		d.FPS = *f.FPS
	}
	if f.Duration != nil {
		d.Duration = *f.Duration
	}
	if f.Scale != nil {
		d.Scale = *f.Scale
	}
	if f.Scroll != nil {
		d.Scroll = *f.Scroll
	}
	if f.Tracks != nil {
		d.Tracks = f.Tracks
	}
	if f.TrackItemIDs != nil {
		d.TrackItemIDs = f.TrackItemIDs
	}
	if f.TrackItemsMap != nil {
		d.TrackItemsMap = f.TrackItemsMap
	}
	if f.TrackItemDetailsMap != nil {
		d.TrackItemDetailsMap = f.TrackItemDetailsMap
	}
	if f.TransitionIDs != nil {
		d.TransitionIDs = f.TransitionIDs
	}
	if f.TransitionsMap != nil {
		d.TransitionsMap = f.TransitionsMap
	}
	if f.Extra != nil {
		d.Extra = f.Extra
		if len(f.Extra) == 0 {
			d.Extra = nil
		}
	}
}

// Store is the authoritative in-memory Design of one editing session.
// All mutation goes through ApplyFields, Update and Resize; every committed
// update produces exactly one listener notification.
type Store struct {
	mu      sync.Mutex
	design  Design
	version uint64

	// publishMu is taken before mu is released so listeners observe
	// commits in order without holding the state lock.
	publishMu sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64

	holds       atomic.Int32
	resizeGuard func() bool

	logger *slog.Logger
}

// NewStore creates a store holding the canonical empty Design.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		design:    NewDesign(),
		listeners: make(map[uint64]Listener),
		logger:    logger,
	}
}

// State returns a deep copy of the current Design.
func (s *Store) State() Design {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.design.Clone()
}

// Version returns the number of committed updates.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.publishMu.Lock()
		defer s.publishMu.Unlock()
		delete(s.listeners, id)
	}
}

// ApplyFields merges f into the Design as one update. Only provided keys
// change; the merged result is repaired before it becomes visible.
func (s *Store) ApplyFields(f Fields) {
	s.mu.Lock()
	next := s.design.Clone()
	f.applyTo(&next)
	// Inputs are owned by the caller; detach them from the committed state.
	next = next.Clone()
	s.commitLocked(next)
}

// Replace swaps in a full copy of d.
func (s *Store) Replace(d Design) {
	s.ApplyFields(FieldsFrom(d))
}

// Update runs fn against a private copy of the Design. If fn returns an
// error nothing is applied; otherwise the copy is repaired and committed.
func (s *Store) Update(fn func(d *Design) error) error {
	s.mu.Lock()
	next := s.design.Clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.commitLocked(next)
	return nil
}

// SetResizeGuard installs a caller-defined readiness check consulted by
// non-forced resizes. The guard returns true when a resize may apply.
func (s *Store) SetResizeGuard(guard func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizeGuard = guard
}

// Hold marks the store as settling until the returned release is called.
// Non-forced resizes are ignored while any hold is outstanding.
func (s *Store) Hold() (release func()) {
	s.holds.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { s.holds.Add(-1) })
	}
}

// Settling reports whether a restore or other hold is outstanding.
func (s *Store) Settling() bool {
	return s.holds.Load() > 0
}

// Resize changes the canvas size. Unless force is set, the resize is skipped
// while the store is settling or the resize guard vetoes it. It reports
// whether the size was applied.
func (s *Store) Resize(size Size, force bool) (bool, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return false, fmt.Errorf("%w: %dx%d", ErrInvalidSize, size.Width, size.Height)
	}

	if !force {
		if s.Settling() {
			s.logger.Debug("resize skipped while settling", "width", size.Width, "height", size.Height)
			return false, nil
		}
		s.mu.Lock()
		guard := s.resizeGuard
		s.mu.Unlock()
		if guard != nil && !guard() {
			s.logger.Debug("resize vetoed by guard", "width", size.Width, "height", size.Height)
			return false, nil
		}
	}

	s.mu.Lock()
	next := s.design.Clone()
	next.Size = size
	s.commitLocked(next)
	return true, nil
}

// commitLocked must be called with mu held; it releases mu.
func (s *Store) commitLocked(next Design) {
	if repairs := Repair(&next); len(repairs) > 0 {
		s.logger.Warn("timeline repaired on commit", "repairs", repairs)
	}
	s.design = next
	s.version++

	s.publishMu.Lock()
	s.mu.Unlock()
	defer s.publishMu.Unlock()

	for _, fn := range s.listeners {
		fn(next.Clone())
	}
}
