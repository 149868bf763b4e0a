package cloud

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

// UGCExportRequest is the body of POST /ugc/exports. The export is attached
// to the project it was rendered from.
type UGCExportRequest struct {
	ProjectID string          `json:"ugc_project_id"`
	Design    timeline.Design `json:"design"`
	Options   RenderOptions   `json:"options"`
}

// UGCExport is one entry of a project's export history.
type UGCExport struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"ugc_project_id,omitempty"`
	ProjectTitle string  `json:"project_title,omitempty"`
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"`
	URL          string  `json:"url,omitempty"`
	Error        string  `json:"error,omitempty"`
	CreatedAt    string  `json:"created_at,omitempty"`
}

type UGCExportService struct {
	client *HTTPClient
}

func (s *UGCExportService) Create(ctx context.Context, req UGCExportRequest) (string, error) {
	var resp videoEnvelope
	if err := s.client.do(ctx, http.MethodPost, "/ugc/exports", req, &resp); err != nil {
		return "", err
	}
	if resp.Video.ID == "" {
		return "", errMissingJobID
	}
	return resp.Video.ID, nil
}

// Get reads the export, which the service wraps as {data: {...}}.
func (s *UGCExportService) Get(ctx context.Context, id string) (RenderStatus, error) {
	var resp struct {
		Data RenderStatus `json:"data"`
	}
	if err := s.client.do(ctx, http.MethodGet, "/ugc/exports/"+url.PathEscape(id), nil, &resp); err != nil {
		return RenderStatus{}, err
	}
	return resp.Data, nil
}

// List returns the exports attached to a project, newest first as the
// service orders them.
func (s *UGCExportService) List(ctx context.Context, projectID string, limit int) ([]UGCExport, error) {
	q := url.Values{}
	q.Set("ugc_project_id", projectID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Data []UGCExport `json:"data"`
	}
	if err := s.client.do(ctx, http.MethodGet, "/ugc/exports?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return []UGCExport{}, nil
	}
	return resp.Data, nil
}
