package render

import (
	"context"
	"fmt"

	"github.com/ugcstudio/ugc-agent/internal/cloud"
	"github.com/ugcstudio/ugc-agent/internal/project"
)

const (
	BackendRender = "render"
	BackendUGC    = "ugc"
)

// Backend is a remote render service. Status returns the raw report;
// normalization happens in the poll loop.
type Backend interface {
	Name() string
	Submit(ctx context.Context, projectID string, req cloud.RenderRequest) (string, error)
	Status(ctx context.Context, id string) (cloud.RenderStatus, error)
}

// HistoryBackend is a Backend that can list the exports of a project,
// including those submitted by other sessions.
type HistoryBackend interface {
	Backend
	History(ctx context.Context, projectID string, limit int) ([]cloud.UGCExport, error)
}

// NewBackend returns the backend registered under name.
func NewBackend(name string, client *cloud.HTTPClient) (Backend, error) {
	switch name {
	case BackendRender, "":
		return RenderBackend{svc: client.Render()}, nil
	case BackendUGC:
		return UGCBackend{svc: client.UGCExports()}, nil
	default:
		return nil, fmt.Errorf("unknown render backend %q", name)
	}
}

// RenderBackend submits to POST /render and polls GET /render?id=.
type RenderBackend struct {
	svc *cloud.RenderService
}

func (b RenderBackend) Name() string { return BackendRender }

func (b RenderBackend) Submit(ctx context.Context, _ string, req cloud.RenderRequest) (string, error) {
	return b.svc.Create(ctx, req)
}

func (b RenderBackend) Status(ctx context.Context, id string) (cloud.RenderStatus, error) {
	return b.svc.Status(ctx, id)
}

// UGCBackend attaches exports to a project through /ugc/exports.
type UGCBackend struct {
	svc *cloud.UGCExportService
}

func (b UGCBackend) Name() string { return BackendUGC }

func (b UGCBackend) Submit(ctx context.Context, projectID string, req cloud.RenderRequest) (string, error) {
	if projectID == "" {
		return "", project.ErrNoProjectID
	}
	return b.svc.Create(ctx, cloud.UGCExportRequest{
		ProjectID: projectID,
		Design:    req.Design,
		Options:   req.Options,
	})
}

func (b UGCBackend) Status(ctx context.Context, id string) (cloud.RenderStatus, error) {
	return b.svc.Get(ctx, id)
}

func (b UGCBackend) History(ctx context.Context, projectID string, limit int) ([]cloud.UGCExport, error) {
	if projectID == "" {
		return nil, project.ErrNoProjectID
	}
	return b.svc.List(ctx, projectID, limit)
}
