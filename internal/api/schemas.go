package api

import (
	"encoding/json"
	"time"

	"github.com/ugcstudio/ugc-agent/internal/cloud"
	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/layout"
	"github.com/ugcstudio/ugc-agent/internal/render"
	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeS   int64  `json:"uptime_s"`
	SessionID string `json:"session_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StateResponse is the editor state as the front end renders it.
type StateResponse struct {
	Timeline  timeline.Design  `json:"timeline"`
	Menus     layout.MenuState `json:"menus"`
	ProjectID string           `json:"project_id,omitempty"`
	Title     string           `json:"title,omitempty"`
	CanUndo   bool             `json:"can_undo"`
	CanRedo   bool             `json:"can_redo"`
	Version   uint64           `json:"version"`
	Settling  bool             `json:"settling"`
}

// CommandRequest is one editor command. Payload is decoded according to Type.
type CommandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ProjectRequest names a project. An empty ProjectID means the bound one.
type ProjectRequest struct {
	ProjectID string `json:"project_id,omitempty"`
}

type TitleRequest struct {
	Title string `json:"title"`
}

type DeleteProjectRequest struct {
	ProjectID     string `json:"project_id,omitempty"`
	DeleteExports bool   `json:"delete_exports,omitempty"`
}

type ExportRequest = render.Options

type ExportResponse struct {
	JobID   string `json:"job_id"`
	Backend string `json:"backend"`
}

type JobResponse struct {
	ID         string  `json:"id"`
	Backend    string  `json:"backend,omitempty"`
	ProjectID  string  `json:"project_id,omitempty"`
	Format     string  `json:"format,omitempty"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	OutputURL  string  `json:"output_url,omitempty"`
	Error      string  `json:"error,omitempty"`
	LocalState string  `json:"local_state,omitempty"`
	UpdatedAt  string  `json:"updated_at,omitempty"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// RemoteExportsResponse lists a project's exports as the UGC service
// reports them.
type RemoteExportsResponse struct {
	Exports []cloud.UGCExport `json:"exports"`
}

type SnapshotResponse struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	SavedAt   string `json:"saved_at"`
	Version   string `json:"version"`
	SizeBytes int    `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

type SnapshotsResponse struct {
	Snapshots []SnapshotResponse `json:"snapshots"`
}

func JobToResponse(j *jobs.Job) JobResponse {
	return JobResponse{
		ID:         j.ID,
		Backend:    j.Backend,
		ProjectID:  j.ProjectID,
		Format:     j.Format,
		Status:     j.Status,
		Progress:   j.Progress,
		OutputURL:  j.OutputURL,
		Error:      j.Error,
		LocalState: j.LocalState,
		UpdatedAt:  j.UpdatedAt.Format(time.RFC3339),
	}
}

// TaskToResponse reports a live task. Ledger-only fields stay empty.
func TaskToResponse(t *render.Task) JobResponse {
	s := t.State()
	local := jobs.LocalPolling
	select {
	case <-t.Done():
		local = jobs.LocalStopped
	default:
	}
	return JobResponse{
		ID:         s.ID,
		Status:     s.Status,
		Progress:   s.Progress,
		OutputURL:  s.OutputURL,
		Error:      s.Error,
		LocalState: local,
	}
}

func SnapshotToResponse(s *jobs.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		SavedAt:   s.SavedAt,
		Version:   s.Version,
		SizeBytes: s.SizeBytes,
		Checksum:  s.Checksum,
	}
}
