// Package session assembles the components of one editing session: the
// timeline store, the command bus, menu state, persistence and render
// handoff. One session owns a data directory at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/ugcstudio/ugc-agent/internal/debounce"
	"github.com/ugcstudio/ugc-agent/internal/events"
	"github.com/ugcstudio/ugc-agent/internal/export"
	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/layout"
	"github.com/ugcstudio/ugc-agent/internal/logging"
	"github.com/ugcstudio/ugc-agent/internal/project"
	"github.com/ugcstudio/ugc-agent/internal/render"
	"github.com/ugcstudio/ugc-agent/internal/snapshot"
	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

// ErrLocked is returned when another session holds the data directory.
var ErrLocked = errors.New("data directory is locked by another session")

const renameTimeout = 15 * time.Second

// Ledger is the local job and snapshot store.
type Ledger interface {
	render.Ledger
	project.Journal
}

// Options wires a session to its collaborators. Zero durations take the
// component defaults.
type Options struct {
	Remote        project.Remote
	Backend       render.Backend
	Ledger        Ledger
	LockPath      string
	ProjectID     string
	HistoryLimit  int
	SaveTimeout   time.Duration
	PollInterval  time.Duration
	PollBackoff   time.Duration
	TitleDebounce time.Duration
	Clock         func() time.Time
}

type Session struct {
	ID      string
	Store   *timeline.Store
	Bus     *events.Bus
	Menus   *layout.Store
	Codec   *snapshot.Codec
	Gateway *project.Gateway
	Handoff *render.Handoff

	title  *debounce.Setter[string]
	lock   *flock.Flock
	logger *slog.Logger

	mu        sync.Mutex
	lastTitle string
	closed    bool
}

// New constructs a session and takes the data directory lock when
// opts.LockPath is set.
func New(opts Options, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := uuid.NewString()
	logger = logging.WithComponent(logger, "session").With("session_id", id)

	s := &Session{ID: id, logger: logger}

	if opts.LockPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LockPath), 0o755); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
		lock := flock.New(opts.LockPath)
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrLocked, opts.LockPath)
		}
		s.lock = lock
	}

	var codecOpts []snapshot.Option
	if opts.Clock != nil {
		codecOpts = append(codecOpts, snapshot.WithClock(opts.Clock))
	}

	s.Store = timeline.NewStore(logger)
	s.Bus = events.NewBus(s.Store, logger, events.WithHistoryLimit(opts.HistoryLimit))
	s.Menus = layout.NewStore()
	s.Codec = snapshot.NewCodec(logger, codecOpts...)

	gatewayOpts := []project.Option{project.WithSaveTimeout(opts.SaveTimeout)}
	handoffOpts := []render.Option{
		render.WithPollInterval(opts.PollInterval),
		render.WithBackoff(opts.PollBackoff),
	}
	if opts.Ledger != nil {
		gatewayOpts = append(gatewayOpts, project.WithJournal(opts.Ledger))
		handoffOpts = append(handoffOpts, render.WithLedger(opts.Ledger))
	}
	s.Gateway = project.NewGateway(opts.Remote, s.Bus, s.Menus, s.Codec, logger, gatewayOpts...)
	s.Handoff = render.NewHandoff(opts.Backend, logger, handoffOpts...)
	s.Gateway.Bind(opts.ProjectID)

	delay := opts.TitleDebounce
	if delay <= 0 {
		delay = debounce.DefaultDelay
	}
	s.title = debounce.New(delay, s.applyTitle)

	logger.Info("session started", "project_id", opts.ProjectID, "render_backend", s.Handoff.Backend())
	return s, nil
}

// SetTitle records a title change. The rename reaches the project store
// after the debounce delay, or on Close.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.lastTitle = title
	s.mu.Unlock()
	s.title.Set(title)
}

// Title returns the most recently set title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTitle
}

// FlushTitle applies a pending title immediately.
func (s *Session) FlushTitle() bool {
	return s.title.Flush()
}

func (s *Session) applyTitle(title string) {
	ctx, cancel := context.WithTimeout(context.Background(), renameTimeout)
	defer cancel()

	if err := s.Gateway.Rename(ctx, "", title); err != nil {
		if errors.Is(err, project.ErrNoProjectID) {
			s.logger.Warn("title not saved, no project bound", "title", title)
			return
		}
		s.logger.Error("failed to rename project", "error", err)
	}
}

// Export submits the current design for the bound project.
func (s *Session) Export(ctx context.Context, opts render.Options) (*render.Task, error) {
	return s.Handoff.Submit(ctx, s.Gateway.ProjectID(), s.Bus.State(), opts)
}

// Document encodes the current timeline and menus as an editor_state
// document without persisting it.
func (s *Session) Document() snapshot.Document {
	return s.Codec.Encode(s.Bus.State(), s.Menus.State())
}

// EDL renders the current timeline as an edit decision list.
func (s *Session) EDL() string {
	title := s.Title()
	if title == "" {
		title = s.Gateway.ProjectID()
	}
	if title == "" {
		title = "Untitled"
	}
	return export.FromDesign(s.Bus.State(), title)
}

// Close flushes a pending title, stops polling and releases the lock.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.title.Flush()
	s.title.Stop()
	s.Handoff.Close()

	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
	}
	s.logger.Info("session closed")
	return nil
}

var _ Ledger = (*jobs.SQLiteRepository)(nil)
