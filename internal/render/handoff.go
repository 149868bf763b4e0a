// Package render submits designs to a remote render service and tracks each
// job to a terminal state with a cancellable poll task.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ugcstudio/ugc-agent/internal/cloud"
	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/logging"
	"github.com/ugcstudio/ugc-agent/internal/project"
	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBackoff      = 6 * time.Second

	FormatMP4  = "mp4"
	FormatWebM = "webm"

	ledgerTimeout = 5 * time.Second
)

var (
	ErrJobNotFound       = errors.New("render job not found")
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrNoHistory         = errors.New("render backend keeps no export history")
)

// Options are the caller's output parameters. Zero FPS and Size take the
// design's values.
type Options struct {
	FPS         int           `json:"fps,omitempty"`
	Size        timeline.Size `json:"size"`
	Format      string        `json:"format,omitempty"`
	Transparent bool          `json:"transparent,omitempty"`
}

// Ledger records submitted jobs and their observed states.
type Ledger interface {
	CreateJob(ctx context.Context, job *jobs.Job) error
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	UpdateJobStatus(ctx context.Context, id, status string, progress float64, outputURL, errorMsg string) error
	SetJobLocalState(ctx context.Context, id, state string) error
}

type Handoff struct {
	backend  Backend
	ledger   Ledger
	logger   *slog.Logger
	interval time.Duration
	backoff  time.Duration

	mu    sync.Mutex
	tasks map[string]*Task
}

type Option func(*Handoff)

func WithLedger(l Ledger) Option {
	return func(h *Handoff) {
		h.ledger = l
	}
}

// WithPollInterval sets the delay between successful polls.
func WithPollInterval(d time.Duration) Option {
	return func(h *Handoff) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithBackoff sets the delay after a failed poll.
func WithBackoff(d time.Duration) Option {
	return func(h *Handoff) {
		if d > 0 {
			h.backoff = d
		}
	}
}

func NewHandoff(backend Backend, logger *slog.Logger, opts ...Option) *Handoff {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handoff{
		backend:  backend,
		logger:   logging.WithComponent(logger, "render"),
		interval: DefaultPollInterval,
		backoff:  DefaultBackoff,
		tasks:    make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Backend returns the name of the configured backend.
func (h *Handoff) Backend() string {
	return h.backend.Name()
}

// BuildRequest packages an independent copy of d with the effective options.
func BuildRequest(d timeline.Design, opts Options) (cloud.RenderRequest, error) {
	format := opts.Format
	if format == "" {
		format = FormatMP4
	}
	switch format {
	case FormatMP4, FormatWebM:
	default:
		return cloud.RenderRequest{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	ro := cloud.RenderOptions{
		FPS:         opts.FPS,
		Size:        opts.Size,
		Format:      format,
		Transparent: opts.Transparent && format == FormatWebM,
	}
	if ro.FPS <= 0 {
		ro.FPS = d.FPS
	}
	if ro.Size.Width <= 0 || ro.Size.Height <= 0 {
		ro.Size = d.Size
	}
	return cloud.RenderRequest{Design: d.Clone(), Options: ro}, nil
}

// Submit sends the design to the backend and starts polling the new job.
func (h *Handoff) Submit(ctx context.Context, projectID string, d timeline.Design, opts Options) (*Task, error) {
	req, err := BuildRequest(d, opts)
	if err != nil {
		return nil, err
	}

	id, err := h.backend.Submit(ctx, projectID, req)
	if err != nil {
		return nil, fmt.Errorf("submit render: %w", err)
	}

	logger := logging.WithJobID(h.logger, id)
	logger.Info("render job submitted",
		"backend", h.backend.Name(), "project_id", projectID,
		"format", req.Options.Format, "fps", req.Options.FPS,
		"width", req.Options.Size.Width, "height", req.Options.Size.Height)

	if h.ledger != nil {
		job := &jobs.Job{
			ID:        id,
			Backend:   h.backend.Name(),
			ProjectID: projectID,
			Format:    req.Options.Format,
			Status:    StatusPending,
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
		if err := h.ledger.CreateJob(lctx, job); err != nil {
			logger.Warn("failed to record job", "error", err)
		}
		cancel()
	}

	return h.start(id), nil
}

// Watch starts a fresh status check for a job submitted earlier. A job that
// is still being polled returns its running task.
func (h *Handoff) Watch(ctx context.Context, jobID string) (*Task, error) {
	h.mu.Lock()
	t, ok := h.tasks[jobID]
	h.mu.Unlock()
	if ok {
		select {
		case <-t.Done():
		default:
			return t, nil
		}
	}

	if !ok && h.ledger != nil {
		job, err := h.ledger.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("look up job: %w", err)
		}
		ok = job != nil
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return h.start(jobID), nil
}

// History lists the remote exports of a project with normalized statuses.
func (h *Handoff) History(ctx context.Context, projectID string, limit int) ([]cloud.UGCExport, error) {
	hb, ok := h.backend.(HistoryBackend)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, h.backend.Name())
	}
	if projectID == "" {
		return nil, project.ErrNoProjectID
	}
	list, err := hb.History(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if status := NormalizeStatus(list[i].Status); status != "" {
			list[i].Status = status
		}
		if list[i].Status == StatusCompleted {
			list[i].Progress = 100
		}
	}
	return list, nil
}

// Cancel stops local polling of a job. The remote job is not cancelled.
func (h *Handoff) Cancel(jobID string) error {
	h.mu.Lock()
	t, ok := h.tasks[jobID]
	h.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	t.Cancel()
	<-t.Done()
	return nil
}

// Task returns the most recent poll task of a job.
func (h *Handoff) Task(jobID string) (*Task, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[jobID]
	return t, ok
}

// Close cancels every poll task and waits for them to stop.
func (h *Handoff) Close() {
	h.mu.Lock()
	tasks := make([]*Task, 0, len(h.tasks))
	for _, t := range h.tasks {
		tasks = append(tasks, t)
	}
	h.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
		<-t.Done()
	}
}

func (h *Handoff) start(id string) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  JobState{ID: id, Status: StatusPending},
	}

	h.mu.Lock()
	prev, ok := h.tasks[id]
	h.tasks[id] = t
	h.mu.Unlock()
	if ok {
		prev.Cancel()
		<-prev.Done()
	}

	logger := logging.WithJobID(h.logger, id)
	h.setLocalState(logger, id, jobs.LocalPolling)

	p := poller{
		backend:  h.backend,
		interval: h.interval,
		backoff:  h.backoff,
		logger:   logger,
		onChange: func(s JobState) { h.record(logger, s) },
	}
	go func() {
		defer close(t.done)
		p.run(ctx, t)
		cancel()
		h.setLocalState(logger, id, jobs.LocalStopped)
	}()
	return t
}

func (h *Handoff) record(logger *slog.Logger, s JobState) {
	if h.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := h.ledger.UpdateJobStatus(ctx, s.ID, s.Status, s.Progress, s.OutputURL, s.Error); err != nil {
		logger.Warn("failed to record job status", "error", err)
	}
}

func (h *Handoff) setLocalState(logger *slog.Logger, id, state string) {
	if h.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := h.ledger.SetJobLocalState(ctx, id, state); err != nil {
		logger.Warn("failed to record job local state", "state", state, "error", err)
	}
}
