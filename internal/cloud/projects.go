package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
)

// Project is the project store resource. The agent reads and writes only
// EditorState and Title.
type Project struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	EditorState json.RawMessage `json:"editor_state"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// ProjectUpdate is the PUT /projects/{id} body. Nil fields are omitted.
type ProjectUpdate struct {
	EditorState json.RawMessage `json:"editor_state,omitempty"`
	Title       *string         `json:"title,omitempty"`
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
}

func (e envelope[T]) check() error {
	if e.Success {
		return nil
	}
	msg := e.Error
	if msg == "" {
		msg = "request was not successful"
	}
	return &APIError{StatusCode: http.StatusOK, Message: msg}
}

type ProjectService struct {
	client *HTTPClient
}

func projectPath(id string) string {
	return "/projects/" + url.PathEscape(id)
}

func (s *ProjectService) Get(ctx context.Context, id string) (*Project, error) {
	var resp envelope[Project]
	if err := s.client.do(ctx, http.MethodGet, projectPath(id), nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (s *ProjectService) Update(ctx context.Context, id string, update ProjectUpdate) (*Project, error) {
	var resp envelope[Project]
	if err := s.client.do(ctx, http.MethodPut, projectPath(id), update, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, err
	}

	s.client.logger.Info("project updated",
		"project_id", id,
		"editor_state_bytes", len(update.EditorState),
		"title_changed", update.Title != nil,
	)
	return &resp.Data, nil
}

func (s *ProjectService) Delete(ctx context.Context, id string, deleteExports bool) error {
	path := projectPath(id) + "?delete_exports=" + strconv.FormatBool(deleteExports)
	return s.client.do(ctx, http.MethodDelete, path, nil, nil)
}
