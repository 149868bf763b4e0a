package render

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ugcstudio/ugc-agent/internal/cloud"
)

// ErrCancelled is returned by Task.Wait when polling was cancelled before
// the job reached a terminal state.
var ErrCancelled = errors.New("polling cancelled")

// Task is the local poll loop of one job. Cancelling it stops polling only;
// the remote job keeps running.
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state JobState
}

func (t *Task) ID() string {
	return t.id
}

// State returns the latest observed job state.
func (t *Task) State() JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when polling stops, either at a terminal state or on
// cancellation.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel stops polling. It is safe to call more than once.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until polling stops and returns the final state. A failed job
// yields a *JobFailedError and a cancelled task ErrCancelled.
func (t *Task) Wait(ctx context.Context) (JobState, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state.Status == StatusFailed:
		return t.state, &JobFailedError{ID: t.id, Message: t.state.Error}
	case t.state.Status == StatusCompleted:
		return t.state, nil
	}
	return t.state, ErrCancelled
}

func (t *Task) set(s JobState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

type poller struct {
	backend  Backend
	interval time.Duration
	backoff  time.Duration
	logger   *slog.Logger
	onChange func(JobState)
}

// run polls immediately, then every interval until a terminal state. A
// transport error waits the backoff before the next attempt.
func (p poller) run(ctx context.Context, t *Task) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("polling stopped", "status", t.State().Status)
			return
		case <-timer.C:
		}

		raw, err := p.backend.Status(ctx, t.id)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			status, retryable := classifyPollError(err)
			p.logger.Warn("status poll failed, backing off",
				"error", err, "http_status", status, "retryable", retryable, "backoff", p.backoff)
			timer.Reset(p.backoff)
			continue
		}

		prev := t.State()
		next := advance(prev, raw)
		t.set(next)
		if next != prev && p.onChange != nil {
			p.onChange(next)
		}

		if next.Terminal() {
			p.logger.Info("render job finished", "status", next.Status, "url", next.OutputURL, "error", next.Error)
			return
		}
		timer.Reset(p.interval)
	}
}

// classifyPollError returns the HTTP status of an API error and whether the
// service reported it as transient. Transport errors carry no status and
// count as transient.
func classifyPollError(err error) (status int, retryable bool) {
	var apiErr *cloud.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, apiErr.IsRetryable()
	}
	return 0, true
}
