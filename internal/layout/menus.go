// Package layout holds the auxiliary editor UI state that is saved next to
// the timeline but has no render semantics.
package layout

import "sync"

const DefaultMenuItem = "uploads"

// MenuState records which editor panels are open.
type MenuState struct {
	ActiveMenuItem    string `json:"activeMenuItem"`
	ShowMenuItem      bool   `json:"showMenuItem"`
	ShowControlItem   bool   `json:"showControlItem"`
	ShowToolboxItem   bool   `json:"showToolboxItem"`
	ActiveToolboxItem string `json:"activeToolboxItem"`
}

// DefaultMenuState is the panel layout of a fresh editor.
func DefaultMenuState() MenuState {
	return MenuState{ActiveMenuItem: DefaultMenuItem}
}

// Store guards the MenuState of one session.
type Store struct {
	mu    sync.RWMutex
	state MenuState
}

func NewStore() *Store {
	return &Store{state: DefaultMenuState()}
}

func (s *Store) State() MenuState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) Set(m MenuState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = m
}

// Update applies fn to the current state under the lock.
func (s *Store) Update(fn func(m *MenuState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}
