package render

import (
	"fmt"
	"strings"

	"github.com/ugcstudio/ugc-agent/internal/cloud"
)

// Normalized job statuses. COMPLETED and FAILED are terminal.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// JobState is the locally observed state of one render job.
type JobState struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	OutputURL      string  `json:"output,omitempty"`
	Error          string  `json:"error,omitempty"`
	RenderedFrames int     `json:"renderedFrames,omitempty"`
	EncodedFrames  int     `json:"encodedFrames,omitempty"`
	FrameCount     int     `json:"frameCount,omitempty"`
}

// Terminal reports whether the job has reached COMPLETED or FAILED.
func (s JobState) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// JobFailedError is returned by Task.Wait for a job the service reported
// as failed.
type JobFailedError struct {
	ID      string
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("render job %s failed: %s", e.ID, e.Message)
}

// NormalizeStatus maps the status vocabulary of either backend onto the
// four normalized statuses. Unknown values return "".
func NormalizeStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "QUEUED":
		return StatusPending
	case "PROCESSING", "IN_PROGRESS", "RUNNING":
		return StatusProcessing
	case "COMPLETED", "DONE", "SUCCEEDED":
		return StatusCompleted
	case "FAILED", "ERROR":
		return StatusFailed
	default:
		return ""
	}
}

func rank(status string) int {
	switch status {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// advance folds one raw status report into cur. Status only moves forward,
// progress never decreases, and a terminal state is final.
func advance(cur JobState, raw cloud.RenderStatus) JobState {
	if cur.Terminal() {
		return cur
	}

	next := cur
	if status := NormalizeStatus(raw.Status); status != "" && rank(status) >= rank(cur.Status) {
		next.Status = status
	}

	progress := min(max(raw.Progress, 0), 100)
	if progress > next.Progress {
		next.Progress = progress
	}
	if raw.RenderedFrames > 0 {
		next.RenderedFrames = raw.RenderedFrames
	}
	if raw.EncodedFrames > 0 {
		next.EncodedFrames = raw.EncodedFrames
	}
	if raw.FrameCount > 0 {
		next.FrameCount = raw.FrameCount
	}

	switch next.Status {
	case StatusCompleted:
		next.Progress = 100
		next.OutputURL = raw.URL
	case StatusFailed:
		next.Error = raw.Error
		if next.Error == "" {
			next.Error = "render failed"
		}
	}
	return next
}
