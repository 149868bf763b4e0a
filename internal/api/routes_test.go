package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ugcstudio/ugc-agent/internal/cloud"
	"github.com/ugcstudio/ugc-agent/internal/db"
	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/layout"
	"github.com/ugcstudio/ugc-agent/internal/render"
	"github.com/ugcstudio/ugc-agent/internal/session"
)

const testToken = "test-token"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRemote struct {
	mu       sync.Mutex
	projects map[string]*cloud.Project
	failWith error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{projects: map[string]*cloud.Project{}}
}

func (f *fakeRemote) Get(ctx context.Context, id string) (*cloud.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	p, ok := f.projects[id]
	if !ok {
		return nil, &cloud.APIError{StatusCode: http.StatusNotFound, Message: "project not found"}
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRemote) Update(ctx context.Context, id string, u cloud.ProjectUpdate) (*cloud.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	p, ok := f.projects[id]
	if !ok {
		p = &cloud.Project{ID: id}
		f.projects[id] = p
	}
	if u.EditorState != nil {
		p.EditorState = u.EditorState
	}
	if u.Title != nil {
		p.Title = *u.Title
	}
	return p, nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string, deleteExports bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.projects, id)
	return nil
}

type completedBackend struct{}

func (completedBackend) Name() string { return "fake" }

func (completedBackend) Submit(ctx context.Context, projectID string, req cloud.RenderRequest) (string, error) {
	return "job-1", nil
}

func (completedBackend) Status(ctx context.Context, id string) (cloud.RenderStatus, error) {
	return cloud.RenderStatus{Status: "COMPLETED", URL: "https://cdn.example.com/out.mp4"}, nil
}

type testEnv struct {
	router  http.Handler
	remote  *fakeRemote
	session *session.Session
	ledger  *jobs.SQLiteRepository
}

type historyBackend struct {
	completedBackend
}

func (historyBackend) History(ctx context.Context, projectID string, limit int) ([]cloud.UGCExport, error) {
	return []cloud.UGCExport{
		{ID: "exp-2", ProjectID: projectID, Status: "processing", Progress: 40},
		{ID: "exp-1", ProjectID: projectID, Status: "completed", URL: "https://cdn.example.com/1.mp4"},
	}, nil
}

func newTestEnv(t *testing.T, projectID string) *testEnv {
	t.Helper()
	return newTestEnvWithBackend(t, projectID, completedBackend{})
}

func newTestEnvWithBackend(t *testing.T, projectID string, backend render.Backend) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	repo := jobs.NewRepository(database.Conn())
	if err := repo.SetConfig(context.Background(), jobs.ConfigAuthToken, testToken); err != nil {
		t.Fatal(err)
	}

	remote := newFakeRemote()
	s, err := session.New(session.Options{
		Remote:        remote,
		Backend:       backend,
		Ledger:        repo,
		ProjectID:     projectID,
		PollInterval:  time.Millisecond,
		TitleDebounce: time.Hour,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	return &testEnv{
		router: NewRouter(ServerConfig{
			Session:   s,
			Ledger:    repo,
			Logger:    testLogger(),
			StartTime: time.Now(),
			Version:   "test",
		}),
		remote:  remote,
		session: s,
		ledger:  repo,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	return body
}

func decodeState(t *testing.T, rr *httptest.ResponseRecorder) StateResponse {
	t.Helper()
	var s StateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &s); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	return s
}

const addVideo = `{"type":"add:video","payload":{"payload":{"name":"Hook","details":{"src":"https://x/hook.mp4"},"duration":3000}}}`

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" || body["version"] != "test" || body["session_id"] != env.session.ID {
		t.Fatalf("health = %v", body)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q", got)
	}
}

func TestRoutes_RequireAuth(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestCommandHandler_AddUndoRedo(t *testing.T) {
	env := newTestEnv(t, "")

	rr := env.do(t, http.MethodPost, "/commands", addVideo)
	if rr.Code != http.StatusOK {
		t.Fatalf("add status = %d: %s", rr.Code, rr.Body.String())
	}
	state := decodeState(t, rr)
	if len(state.Timeline.TrackItemIDs) != 1 || !state.CanUndo || state.CanRedo {
		t.Fatalf("state after add = %+v", state)
	}

	state = decodeState(t, env.do(t, http.MethodPost, "/commands", `{"type":"history:undo"}`))
	if len(state.Timeline.TrackItemIDs) != 0 || !state.CanRedo {
		t.Fatalf("state after undo = %+v", state)
	}

	state = decodeState(t, env.do(t, http.MethodPost, "/commands", `{"type":"history:redo"}`))
	if len(state.Timeline.TrackItemIDs) != 1 {
		t.Fatalf("state after redo = %+v", state)
	}
}

func TestCommandHandler_Errors(t *testing.T) {
	env := newTestEnv(t, "")

	cases := []struct {
		name string
		body string
		want int
		code string
	}{
		{"malformed body", `{`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing type", `{"payload":{}}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown command", `{"type":"add:sticker","payload":{}}`, http.StatusBadRequest, "BAD_COMMAND"},
		{"payload mismatch", `{"type":"layer:delete","payload":{"ids":"a"}}`, http.StatusBadRequest, "BAD_COMMAND"},
		{"unknown item", `{"type":"layer:delete","payload":{"ids":["ghost"]}}`, http.StatusUnprocessableEntity, "INVALID_EDIT"},
		{"bad canvas", `{"type":"design:resize","payload":{"width":0,"height":10}}`, http.StatusUnprocessableEntity, "INVALID_EDIT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/commands", tc.body)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tc.want, rr.Body.String())
			}
			if body := decodeJSONBody(t, rr); body["code"] != tc.code {
				t.Fatalf("code = %v, want %s", body["code"], tc.code)
			}
		})
	}
}

func TestMenusHandler(t *testing.T) {
	env := newTestEnv(t, "")

	rr := env.do(t, http.MethodPut, "/menus", `{"activeMenuItem":"texts","showMenuItem":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if m := env.session.Menus.State(); m.ActiveMenuItem != "texts" || !m.ShowMenuItem {
		t.Fatalf("menus = %+v", m)
	}

	env.do(t, http.MethodPut, "/menus", `{"showToolboxItem":true,"activeToolboxItem":"basic"}`)
	rr = env.do(t, http.MethodPut, "/menus", `{"activeMenuItem":"videos"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("partial update status = %d", rr.Code)
	}
	want := layout.MenuState{ActiveMenuItem: "videos", ShowMenuItem: true, ShowToolboxItem: true, ActiveToolboxItem: "basic"}
	if m := env.session.Menus.State(); m != want {
		t.Fatalf("partial update menus = %+v, want %+v", m, want)
	}

	if rr := env.do(t, http.MethodPut, "/menus", `{"showMenuItem":"yes"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", rr.Code)
	}
	if m := env.session.Menus.State(); m != want {
		t.Fatalf("rejected update changed menus: %+v", m)
	}
}

func TestSaveHandler_NoProject(t *testing.T) {
	env := newTestEnv(t, "")

	rr := env.do(t, http.MethodPost, "/project/save", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if body := decodeJSONBody(t, rr); body["code"] != "NO_PROJECT_ID" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	env := newTestEnv(t, "p1")

	env.do(t, http.MethodPost, "/commands", addVideo)
	if rr := env.do(t, http.MethodPost, "/project/save", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("save status = %d: %s", rr.Code, rr.Body.String())
	}

	rr := env.do(t, http.MethodGet, "/project/snapshots", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("snapshots status = %d", rr.Code)
	}
	var snaps SnapshotsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps.Snapshots) != 1 || snaps.Snapshots[0].ProjectID != "p1" {
		t.Fatalf("snapshots = %+v", snaps)
	}

	env.do(t, http.MethodPost, "/commands", `{"type":"history:undo"}`)

	rr = env.do(t, http.MethodPost, "/project/load", `{"project_id":"p1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("load status = %d: %s", rr.Code, rr.Body.String())
	}
	state := decodeState(t, rr)
	if len(state.Timeline.TrackItemIDs) != 1 || state.ProjectID != "p1" || state.CanUndo {
		t.Fatalf("loaded state = %+v", state)
	}
}

func TestLoadHandler_Errors(t *testing.T) {
	env := newTestEnv(t, "")

	if rr := env.do(t, http.MethodPost, "/project/load", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/project/load", `{"project_id":"ghost"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown project status = %d", rr.Code)
	}

	env.remote.failWith = &cloud.APIError{StatusCode: http.StatusServiceUnavailable, Message: "down"}
	rr := env.do(t, http.MethodPost, "/project/load", `{"project_id":"p1"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("upstream failure status = %d", rr.Code)
	}
	if body := decodeJSONBody(t, rr); body["code"] != "UPSTREAM_ERROR" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestResetHandler(t *testing.T) {
	env := newTestEnv(t, "p1")

	env.do(t, http.MethodPost, "/commands", addVideo)
	rr := env.do(t, http.MethodPost, "/project/reset", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status = %d: %s", rr.Code, rr.Body.String())
	}
	if state := decodeState(t, rr); len(state.Timeline.TrackItemIDs) != 0 {
		t.Fatalf("state after reset = %+v", state)
	}
	if p, _ := env.remote.Get(context.Background(), "p1"); p == nil || len(p.EditorState) == 0 {
		t.Fatal("reset did not write the empty document remotely")
	}
}

func TestRestoreHandler(t *testing.T) {
	env := newTestEnv(t, "")
	env.do(t, http.MethodPost, "/commands", addVideo)

	rr := env.do(t, http.MethodPost, "/project/restore", `{"timeline":`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad snapshot status = %d", rr.Code)
	}
	if n := len(env.session.Bus.State().TrackItemIDs); n != 1 {
		t.Fatalf("failed restore changed state: %d items", n)
	}

	rr = env.do(t, http.MethodPost, "/project/restore", `{"timeline":{"size":{"width":1080,"height":1080}},"menus":{"activeMenuItem":"audios"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("restore status = %d: %s", rr.Code, rr.Body.String())
	}
	state := decodeState(t, rr)
	if len(state.Timeline.TrackItemIDs) != 0 || state.Timeline.Size.Height != 1080 || state.Menus.ActiveMenuItem != "audios" {
		t.Fatalf("restored state = %+v", state)
	}
}

func TestTitleHandler(t *testing.T) {
	env := newTestEnv(t, "p1")

	rr := env.do(t, http.MethodPut, "/project/title", `{"title":"Spring drop"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decodeState(t, env.do(t, http.MethodGet, "/state", "")).Title; got != "Spring drop" {
		t.Fatalf("title = %q", got)
	}

	env.session.FlushTitle()
	if p, _ := env.remote.Get(context.Background(), "p1"); p == nil || p.Title != "Spring drop" {
		t.Fatalf("remote project = %+v", p)
	}
}

func TestDeleteProjectHandler(t *testing.T) {
	env := newTestEnv(t, "p1")

	if rr := env.do(t, http.MethodDelete, "/project", `{"delete_exports":true}`); rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if env.session.Gateway.ProjectID() != "" {
		t.Fatal("deleted project is still bound")
	}
}

func TestExportLifecycle(t *testing.T) {
	env := newTestEnv(t, "p1")
	env.do(t, http.MethodPost, "/commands", addVideo)

	rr := env.do(t, http.MethodPost, "/exports", `{"format":"mp4","fps":30}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("create status = %d: %s", rr.Code, rr.Body.String())
	}
	var created ExportResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.JobID != "job-1" || created.Backend != "fake" {
		t.Fatalf("created = %+v", created)
	}

	task, ok := env.session.Handoff.Task(created.JobID)
	if !ok {
		t.Fatal("no task for submitted job")
	}
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task never finished")
	}

	var job JobResponse
	if err := json.Unmarshal(env.do(t, http.MethodGet, "/exports/job-1", "").Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != "COMPLETED" || job.Progress != 100 || job.OutputURL == "" || job.LocalState != jobs.LocalStopped {
		t.Fatalf("job = %+v", job)
	}

	var list JobsResponse
	if err := json.Unmarshal(env.do(t, http.MethodGet, "/exports", "").Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ProjectID != "p1" {
		t.Fatalf("jobs = %+v", list)
	}

	if rr := env.do(t, http.MethodPost, "/exports/job-1/watch", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("watch status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/exports/job-1", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d", rr.Code)
	}
}

func TestExportHandler_Errors(t *testing.T) {
	env := newTestEnv(t, "p1")

	for _, format := range []string{"gif", "json"} {
		if rr := env.do(t, http.MethodPost, "/exports", `{"format":"`+format+`"}`); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s format status = %d", format, rr.Code)
		}
	}
	if rr := env.do(t, http.MethodGet, "/exports?remote=1", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("remote list without history status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/exports/ghost", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/exports/ghost/watch", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown watch status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/exports/ghost", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown cancel status = %d", rr.Code)
	}
}

func TestEDLHandler(t *testing.T) {
	env := newTestEnv(t, "p1")
	env.do(t, http.MethodPost, "/commands", addVideo)

	rr := env.do(t, http.MethodGet, "/timeline/edl", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "TITLE: p1") || !strings.Contains(rr.Body.String(), "Hook") {
		t.Fatalf("EDL = %q", rr.Body.String())
	}
}

func TestListExports_Remote(t *testing.T) {
	env := newTestEnvWithBackend(t, "p1", historyBackend{})

	rr := env.do(t, http.MethodGet, "/exports?remote=1&limit=10", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp RemoteExportsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Exports) != 2 || resp.Exports[0].Status != render.StatusProcessing ||
		resp.Exports[1].Status != render.StatusCompleted || resp.Exports[1].Progress != 100 {
		t.Fatalf("exports = %+v", resp.Exports)
	}

	unbound := newTestEnvWithBackend(t, "", historyBackend{})
	if rr := unbound.do(t, http.MethodGet, "/exports?remote=true", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("unbound status = %d", rr.Code)
	}
}

func TestDesignHandler(t *testing.T) {
	env := newTestEnv(t, "p1")
	env.do(t, http.MethodPost, "/commands", addVideo)

	rr := env.do(t, http.MethodGet, "/timeline/design", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	doc, err := env.session.Codec.Decode(rr.Body.Bytes())
	if err != nil {
		t.Fatalf("design is not an editor state document: %v", err)
	}
	if len(doc.Timeline.TrackItemIDs) != 1 || doc.Version == "" {
		t.Fatalf("document = %+v", doc)
	}
}
