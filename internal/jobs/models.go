// Package jobs is the agent's local ledger: render jobs it submitted,
// snapshots it saved, and agent configuration keys.
package jobs

import "time"

// Local polling states of a ledger job. The remote status is tracked
// separately in Job.Status.
const (
	LocalPolling  = "polling"
	LocalStopped  = "stopped"
	LocalDetached = "detached"
)

const ConfigAuthToken = "auth_token"

type Job struct {
	ID         string    `json:"id"`
	Backend    string    `json:"backend"`
	ProjectID  string    `json:"project_id,omitempty"`
	Format     string    `json:"format"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	OutputURL  string    `json:"output_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	LocalState string    `json:"local_state"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Snapshot is one journaled save of a project's editor state.
type Snapshot struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	SavedAt   string    `json:"saved_at"`
	Version   string    `json:"version"`
	SizeBytes int       `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
	Body      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
