// Package project mediates between the live editing session and the remote
// project store. Saves are explicit, serialized per project id and coalesced;
// restores apply in one step or not at all.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ugcstudio/ugc-agent/internal/cloud"
	"github.com/ugcstudio/ugc-agent/internal/events"
	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/layout"
	"github.com/ugcstudio/ugc-agent/internal/logging"
	"github.com/ugcstudio/ugc-agent/internal/snapshot"
)

const DefaultSaveTimeout = 45 * time.Second

// ErrNoProjectID is returned when an operation needs a project id and none
// was given or bound.
var ErrNoProjectID = errors.New("no project id bound")

// Remote is the project store the gateway reads and writes.
type Remote interface {
	Get(ctx context.Context, id string) (*cloud.Project, error)
	Update(ctx context.Context, id string, update cloud.ProjectUpdate) (*cloud.Project, error)
	Delete(ctx context.Context, id string, deleteExports bool) error
}

// Journal records successfully saved documents locally.
type Journal interface {
	RecordSnapshot(ctx context.Context, s *jobs.Snapshot) error
}

type Gateway struct {
	remote      Remote
	bus         *events.Bus
	menus       *layout.Store
	codec       *snapshot.Codec
	journal     Journal
	logger      *slog.Logger
	saveTimeout time.Duration

	mu        sync.Mutex
	projectID string

	laneMu sync.Mutex
	lanes  map[string]*lane

	loads singleflight.Group
}

type Option func(*Gateway)

// WithJournal records every successful save.
func WithJournal(j Journal) Option {
	return func(g *Gateway) {
		g.journal = j
	}
}

// WithSaveTimeout bounds each remote write.
func WithSaveTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.saveTimeout = d
		}
	}
}

func NewGateway(remote Remote, bus *events.Bus, menus *layout.Store, codec *snapshot.Codec, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gateway{
		remote:      remote,
		bus:         bus,
		menus:       menus,
		codec:       codec,
		logger:      logging.WithComponent(logger, "project"),
		saveTimeout: DefaultSaveTimeout,
		lanes:       make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Bind sets the project id used when callers pass an empty one.
func (g *Gateway) Bind(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.projectID = projectID
}

// ProjectID returns the bound project id.
func (g *Gateway) ProjectID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.projectID
}

func (g *Gateway) resolve(projectID string) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	if id := g.ProjectID(); id != "" {
		return id, nil
	}
	return "", ErrNoProjectID
}

// Save writes the current state to the project's editor_state. While a write
// for the same project is in flight, further saves wait for it and share a
// single follow-up write that encodes the state at the time it starts.
func (g *Gateway) Save(ctx context.Context, projectID string) error {
	id, err := g.resolve(projectID)
	if err != nil {
		return err
	}
	c := g.enqueue(id, callSave, func(ctx context.Context) error {
		return g.write(ctx, id)
	})
	return c.wait(ctx)
}

func (g *Gateway) write(ctx context.Context, id string) error {
	doc := g.codec.Encode(g.bus.State(), g.menus.State())
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode editor state: %w", err)
	}

	logger := logging.WithProjectID(g.logger, id)
	start := time.Now()
	if _, err := g.remote.Update(ctx, id, cloud.ProjectUpdate{EditorState: body}); err != nil {
		logger.Error("save failed", "error", err)
		return fmt.Errorf("save project %s: %w", id, err)
	}
	logger.Info("project saved", "bytes", len(body), "duration_ms", time.Since(start).Milliseconds())

	if g.journal != nil {
		snap := &jobs.Snapshot{ProjectID: id, SavedAt: doc.SavedAt, Version: doc.Version, Body: body}
		if err := g.journal.RecordSnapshot(ctx, snap); err != nil {
			logger.Warn("failed to journal snapshot", "error", err)
		}
	}
	return nil
}

// Restore applies a persisted document to the store and menus. A document
// that cannot be decoded is logged and leaves the session untouched.
func (g *Gateway) Restore(raw []byte) error {
	doc, err := g.codec.Decode(raw)
	if err != nil {
		g.logger.Error("restore failed", "error", err)
		return fmt.Errorf("restore: %w", err)
	}
	g.apply(doc)
	return nil
}

func (g *Gateway) apply(doc snapshot.Document) {
	release := g.bus.Store().Hold()
	defer release()
	g.bus.Restore(doc.Timeline)
	g.menus.Set(doc.Menus)
}

// Load fetches the project and restores its editor state, then binds it.
// An empty editor state restores the canonical empty document. Concurrent
// loads of the same id share one fetch.
func (g *Gateway) Load(ctx context.Context, projectID string) error {
	if projectID == "" {
		return ErrNoProjectID
	}

	ch := g.loads.DoChan(projectID, func() (any, error) {
		release := g.bus.Store().Hold()
		defer release()

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.saveTimeout)
		defer cancel()

		p, err := g.remote.Get(fetchCtx, projectID)
		if err != nil {
			return nil, fmt.Errorf("load project %s: %w", projectID, err)
		}

		doc, err := g.codec.Decode(p.EditorState)
		switch {
		case errors.Is(err, snapshot.ErrEmpty):
			doc = g.codec.Reset()
		case err != nil:
			g.logger.Error("restore failed", "project_id", projectID, "error", err)
			return nil, fmt.Errorf("restore project %s: %w", projectID, err)
		}
		g.apply(doc)
		g.Bind(projectID)

		logging.WithProjectID(g.logger, projectID).Info("project loaded",
			"title", p.Title, "items", len(doc.Timeline.TrackItemIDs))
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset writes the canonical empty document to the remote store and only
// then clears the local session. It queues behind any in-flight save.
func (g *Gateway) Reset(ctx context.Context, projectID string) error {
	id, err := g.resolve(projectID)
	if err != nil {
		return err
	}
	c := g.enqueue(id, callReset, func(ctx context.Context) error {
		doc := g.codec.Reset()
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode editor state: %w", err)
		}
		if _, err := g.remote.Update(ctx, id, cloud.ProjectUpdate{EditorState: body}); err != nil {
			return fmt.Errorf("reset project %s: %w", id, err)
		}
		g.apply(doc)
		logging.WithProjectID(g.logger, id).Info("project reset")
		return nil
	})
	return c.wait(ctx)
}

// Rename updates the project title only.
func (g *Gateway) Rename(ctx context.Context, projectID, title string) error {
	id, err := g.resolve(projectID)
	if err != nil {
		return err
	}
	if _, err := g.remote.Update(ctx, id, cloud.ProjectUpdate{Title: &title}); err != nil {
		return fmt.Errorf("rename project %s: %w", id, err)
	}
	return nil
}

// Delete removes the project remotely and unbinds it if bound.
func (g *Gateway) Delete(ctx context.Context, projectID string, deleteExports bool) error {
	id, err := g.resolve(projectID)
	if err != nil {
		return err
	}
	if err := g.remote.Delete(ctx, id, deleteExports); err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}

	g.mu.Lock()
	if g.projectID == id {
		g.projectID = ""
	}
	g.mu.Unlock()
	return nil
}
