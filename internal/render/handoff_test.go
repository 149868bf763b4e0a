package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ugcstudio/ugc-agent/internal/cloud"
	"github.com/ugcstudio/ugc-agent/internal/db"
	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/project"
	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type step struct {
	status cloud.RenderStatus
	err    error
}

// scriptedBackend replays steps in order and repeats the last one.
type scriptedBackend struct {
	mu        sync.Mutex
	steps     []step
	calls     []time.Time
	submitted []cloud.RenderRequest
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Submit(ctx context.Context, projectID string, req cloud.RenderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, req)
	return "job-1", nil
}

func (b *scriptedBackend) Status(ctx context.Context, id string) (cloud.RenderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := min(len(b.calls), len(b.steps)-1)
	b.calls = append(b.calls, time.Now())
	return b.steps[i].status, b.steps[i].err
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newHandoff(b Backend, opts ...Option) *Handoff {
	opts = append([]Option{WithPollInterval(2 * time.Millisecond), WithBackoff(10 * time.Millisecond)}, opts...)
	return NewHandoff(b, testLogger(), opts...)
}

func waitTask(t *testing.T, task *Task) (JobState, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := task.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %s did not finish; last state %+v", task.ID(), state)
	}
	return state, err
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]string{
		"PENDING":     StatusPending,
		"queued":      StatusPending,
		"processing":  StatusProcessing,
		"IN_PROGRESS": StatusProcessing,
		"running":     StatusProcessing,
		"COMPLETED":   StatusCompleted,
		"done":        StatusCompleted,
		"Succeeded":   StatusCompleted,
		"FAILED":      StatusFailed,
		"error":       StatusFailed,
		"paused":      "",
		"":            "",
	}
	for in, want := range tests {
		if got := NormalizeStatus(in); got != want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAdvance(t *testing.T) {
	cur := JobState{ID: "j", Status: StatusPending}

	cur = advance(cur, cloud.RenderStatus{Status: "PROCESSING", Progress: 40})
	if cur.Status != StatusProcessing || cur.Progress != 40 {
		t.Fatalf("after PROCESSING 40: %+v", cur)
	}

	cur = advance(cur, cloud.RenderStatus{Status: "PENDING", Progress: 10})
	if cur.Status != StatusProcessing || cur.Progress != 40 {
		t.Fatalf("status or progress moved backward: %+v", cur)
	}

	cur = advance(cur, cloud.RenderStatus{Status: "mystery", Progress: 250})
	if cur.Status != StatusProcessing || cur.Progress != 100 {
		t.Fatalf("unknown status handling: %+v", cur)
	}

	done := advance(JobState{Status: StatusProcessing}, cloud.RenderStatus{Status: "COMPLETED", URL: "https://out.mp4"})
	if done.Progress != 100 || done.OutputURL != "https://out.mp4" {
		t.Fatalf("completed state = %+v", done)
	}
	if after := advance(done, cloud.RenderStatus{Status: "FAILED", Error: "late"}); after != done {
		t.Fatalf("terminal state changed: %+v", after)
	}

	failed := advance(JobState{Status: StatusPending}, cloud.RenderStatus{Status: "ERROR"})
	if failed.Status != StatusFailed || failed.Error == "" {
		t.Fatalf("failed state = %+v", failed)
	}
}

func TestBuildRequest(t *testing.T) {
	d := timeline.NewDesign()
	d.FPS = 25
	d.Size = timeline.Size{Width: 720, Height: 1280}
	d.Tracks = append(d.Tracks, timeline.Track{ID: "main", Type: timeline.TrackVideo, Items: []string{}})

	tests := []struct {
		name            string
		opts            Options
		wantFormat      string
		wantTransparent bool
		wantFPS         int
		wantSize        timeline.Size
	}{
		{"defaults from design", Options{}, FormatMP4, false, 25, timeline.Size{Width: 720, Height: 1280}},
		{"mp4 drops transparency", Options{Format: "mp4", Transparent: true}, FormatMP4, false, 25, d.Size},
		{"webm keeps transparency", Options{Format: "webm", Transparent: true}, FormatWebM, true, 25, d.Size},
		{"explicit fps and size", Options{FPS: 60, Size: timeline.Size{Width: 1080, Height: 1080}}, FormatMP4, false, 60, timeline.Size{Width: 1080, Height: 1080}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := BuildRequest(d, tt.opts)
			if err != nil {
				t.Fatalf("BuildRequest() error = %v", err)
			}
			o := req.Options
			if o.Format != tt.wantFormat || o.Transparent != tt.wantTransparent || o.FPS != tt.wantFPS || o.Size != tt.wantSize {
				t.Fatalf("options = %+v", o)
			}
		})
	}

	req, _ := BuildRequest(d, Options{})
	req.Design.Tracks[0].ID = "mutated"
	if d.Tracks[0].ID != "main" {
		t.Fatal("request shares memory with the live design")
	}

	for _, format := range []string{"gif", "json"} {
		if _, err := BuildRequest(d, Options{Format: format}); !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("BuildRequest(%s) error = %v", format, err)
		}
	}
}

func TestHandoff_PollToCompletion(t *testing.T) {
	b := &scriptedBackend{steps: []step{
		{status: cloud.RenderStatus{Status: "PENDING"}},
		{status: cloud.RenderStatus{Status: "PROCESSING", Progress: 40}},
		{status: cloud.RenderStatus{Status: "COMPLETED", URL: "https://out.mp4"}},
	}}
	h := newHandoff(b)

	task, err := h.Submit(context.Background(), "p1", timeline.NewDesign(), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if task.ID() != "job-1" {
		t.Fatalf("task id = %q", task.ID())
	}

	state, err := waitTask(t, task)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if state.Status != StatusCompleted || state.Progress != 100 || state.OutputURL != "https://out.mp4" {
		t.Fatalf("final state = %+v", state)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.callCount(); got != 3 {
		t.Fatalf("polls = %d, want 3 (none after completion)", got)
	}
}

func TestHandoff_JobFailed(t *testing.T) {
	b := &scriptedBackend{steps: []step{
		{status: cloud.RenderStatus{Status: "PROCESSING", Progress: 10}},
		{status: cloud.RenderStatus{Status: "FAILED", Error: "codec exploded"}},
	}}
	h := newHandoff(b)

	task, err := h.Submit(context.Background(), "", timeline.NewDesign(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	state, err := waitTask(t, task)
	var failed *JobFailedError
	if !errors.As(err, &failed) || failed.Message != "codec exploded" {
		t.Fatalf("Wait() error = %v, want JobFailedError", err)
	}
	if state.Status != StatusFailed || state.Progress != 10 {
		t.Fatalf("state = %+v", state)
	}
}

func TestHandoff_CancelStopsPolling(t *testing.T) {
	b := &scriptedBackend{steps: []step{{status: cloud.RenderStatus{Status: "PROCESSING", Progress: 5}}}}
	h := newHandoff(b)

	task, err := h.Submit(context.Background(), "", timeline.NewDesign(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("polling never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.Cancel("job-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	calls := b.callCount()
	time.Sleep(20 * time.Millisecond)
	if b.callCount() != calls {
		t.Fatalf("polling continued after cancel: %d -> %d", calls, b.callCount())
	}

	state, err := waitTask(t, task)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait() error = %v, want ErrCancelled", err)
	}
	if state.Status != StatusProcessing {
		t.Fatalf("state = %+v", state)
	}

	if err := h.Cancel("unknown"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Cancel(unknown) error = %v", err)
	}
}

func TestHandoff_TransportErrorBacksOff(t *testing.T) {
	b := &scriptedBackend{steps: []step{
		{err: errors.New("connection reset")},
		{status: cloud.RenderStatus{Status: "COMPLETED", URL: "https://out.mp4"}},
	}}
	h := NewHandoff(b, testLogger(), WithPollInterval(time.Millisecond), WithBackoff(40*time.Millisecond))

	task, err := h.Submit(context.Background(), "", timeline.NewDesign(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	state, err := waitTask(t, task)
	if err != nil {
		t.Fatalf("transport error failed the job: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("state = %+v", state)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if gap := b.calls[1].Sub(b.calls[0]); gap < 40*time.Millisecond {
		t.Fatalf("retry after %v, want at least the backoff", gap)
	}
}

func TestHandoff_WatchRestartsPolling(t *testing.T) {
	b := &scriptedBackend{steps: []step{{status: cloud.RenderStatus{Status: "COMPLETED", URL: "https://out.mp4"}}}}
	h := newHandoff(b)

	if _, err := h.Watch(context.Background(), "job-1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Watch(unknown) error = %v", err)
	}

	task, err := h.Submit(context.Background(), "", timeline.NewDesign(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitTask(t, task); err != nil {
		t.Fatal(err)
	}

	again, err := h.Watch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if again == task {
		t.Fatal("Watch reused a finished task")
	}
	if _, err := waitTask(t, again); err != nil {
		t.Fatal(err)
	}
	if b.callCount() != 2 {
		t.Fatalf("polls = %d, want 2", b.callCount())
	}
}

func TestHandoff_RecordsLedger(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	repo := jobs.NewRepository(database.Conn())

	b := &scriptedBackend{steps: []step{
		{status: cloud.RenderStatus{Status: "PROCESSING", Progress: 40}},
		{status: cloud.RenderStatus{Status: "COMPLETED", URL: "https://out.mp4"}},
	}}
	h := newHandoff(b, WithLedger(repo))

	task, err := h.Submit(context.Background(), "p1", timeline.NewDesign(), Options{Format: "webm"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitTask(t, task); err != nil {
		t.Fatal(err)
	}

	job, err := repo.GetJob(context.Background(), "job-1")
	if err != nil || job == nil {
		t.Fatalf("GetJob() = %v, %v", job, err)
	}
	if job.Status != StatusCompleted || job.Progress != 100 || job.OutputURL != "https://out.mp4" {
		t.Fatalf("ledger job = %+v", job)
	}
	if job.LocalState != jobs.LocalStopped || job.ProjectID != "p1" || job.Format != "webm" || job.Backend != "scripted" {
		t.Fatalf("ledger job = %+v", job)
	}

	// A fresh handoff can resume a job it only knows from the ledger.
	h2 := newHandoff(b, WithLedger(repo))
	resumed, err := h2.Watch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Watch() from ledger error = %v", err)
	}
	if _, err := waitTask(t, resumed); err != nil {
		t.Fatal(err)
	}
}

func TestUGCBackend(t *testing.T) {
	var mu sync.Mutex
	var created map[string]any
	polls := 0
	statuses := []string{"queued", "in_progress", "done"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/ugc/exports":
			json.NewDecoder(r.Body).Decode(&created)
			json.NewEncoder(w).Encode(map[string]any{"video": map[string]any{"id": "exp-9"}})
		case r.Method == http.MethodGet && r.URL.Path == "/ugc/exports/exp-9":
			s := statuses[min(polls, len(statuses)-1)]
			polls++
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
				"status": s, "progress": polls * 30, "url": "https://cdn/exp-9.mp4",
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	backend, err := NewBackend(BackendUGC, cloud.NewHTTPClient(server.URL, "token", 5*time.Second, testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	h := newHandoff(backend)

	if _, err := h.Submit(context.Background(), "", timeline.NewDesign(), Options{}); !errors.Is(err, project.ErrNoProjectID) {
		t.Fatalf("Submit without project error = %v, want ErrNoProjectID", err)
	}

	task, err := h.Submit(context.Background(), "proj-1", timeline.NewDesign(), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	state, err := waitTask(t, task)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusCompleted || state.OutputURL != "https://cdn/exp-9.mp4" {
		t.Fatalf("state = %+v", state)
	}

	mu.Lock()
	defer mu.Unlock()
	if created["ugc_project_id"] != "proj-1" {
		t.Fatalf("create body = %v", created)
	}
	if _, ok := created["design"]; !ok {
		t.Fatal("create body missing design")
	}
}

func TestNewBackend_Unknown(t *testing.T) {
	if _, err := NewBackend("lambda", cloud.NewHTTPClient("http://x", "", time.Second, nil)); err == nil {
		t.Fatal("NewBackend(lambda) should fail")
	}
}

func TestHandoff_History(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ugc/exports" || r.URL.Query().Get("ugc_project_id") != "proj-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"exp-2","status":"in_progress","progress":40},{"id":"exp-1","status":"done","progress":90},{"id":"exp-0","status":"archived"}]}`))
	}))
	defer server.Close()

	ugc, err := NewBackend(BackendUGC, cloud.NewHTTPClient(server.URL, "token", 5*time.Second, testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	h := newHandoff(ugc)

	list, err := h.History(context.Background(), "proj-1", 50)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Status != StatusProcessing || list[1].Status != StatusCompleted || list[1].Progress != 100 {
		t.Fatalf("statuses not normalized: %+v", list)
	}
	if list[2].Status != "archived" {
		t.Fatalf("unknown status rewritten: %+v", list[2])
	}

	if _, err := h.History(context.Background(), "", 50); !errors.Is(err, project.ErrNoProjectID) {
		t.Fatalf("History without project error = %v", err)
	}
	if _, err := newHandoff(&scriptedBackend{}).History(context.Background(), "proj-1", 50); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("History on render backend error = %v", err)
	}
}

func TestClassifyPollError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantRetryable bool
	}{
		{"server error", &cloud.APIError{StatusCode: http.StatusBadGateway}, http.StatusBadGateway, true},
		{"client error", fmt.Errorf("status: %w", &cloud.APIError{StatusCode: http.StatusNotFound}), http.StatusNotFound, false},
		{"transport error", errors.New("connection refused"), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, retryable := classifyPollError(tt.err)
			if status != tt.wantStatus || retryable != tt.wantRetryable {
				t.Fatalf("classifyPollError() = %d, %v; want %d, %v", status, retryable, tt.wantStatus, tt.wantRetryable)
			}
		})
	}
}
