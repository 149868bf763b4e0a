package cloud

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

var errMissingJobID = errors.New("render response carried no job id")

// RenderOptions are the output parameters of a render job.
type RenderOptions struct {
	FPS         int           `json:"fps"`
	Size        timeline.Size `json:"size"`
	Format      string        `json:"format"`
	Transparent bool          `json:"transparent"`
}

// RenderRequest is the body of POST /render.
type RenderRequest struct {
	Design  timeline.Design `json:"design"`
	Options RenderOptions   `json:"options"`
}

// RenderStatus is the raw job state reported by either backend. Status is
// not normalized here.
type RenderStatus struct {
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	URL            string  `json:"url,omitempty"`
	Error          string  `json:"error,omitempty"`
	RenderedFrames int     `json:"renderedFrames,omitempty"`
	EncodedFrames  int     `json:"encodedFrames,omitempty"`
	FrameCount     int     `json:"frameCount,omitempty"`
}

type videoEnvelope struct {
	Video struct {
		ID string `json:"id"`
		RenderStatus
	} `json:"video"`
}

type RenderService struct {
	client *HTTPClient
}

// Create submits a render job and returns its id.
func (s *RenderService) Create(ctx context.Context, req RenderRequest) (string, error) {
	var resp videoEnvelope
	if err := s.client.do(ctx, http.MethodPost, "/render", req, &resp); err != nil {
		return "", err
	}
	if resp.Video.ID == "" {
		return "", errMissingJobID
	}
	return resp.Video.ID, nil
}

func (s *RenderService) Status(ctx context.Context, id string) (RenderStatus, error) {
	var resp videoEnvelope
	if err := s.client.do(ctx, http.MethodGet, "/render?id="+url.QueryEscape(id), nil, &resp); err != nil {
		return RenderStatus{}, err
	}
	return resp.Video.RenderStatus, nil
}
