package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ugcstudio/ugc-agent/internal/cloud"
	"github.com/ugcstudio/ugc-agent/internal/events"
	"github.com/ugcstudio/ugc-agent/internal/layout"
	"github.com/ugcstudio/ugc-agent/internal/project"
	"github.com/ugcstudio/ugc-agent/internal/render"
	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

const (
	maxCommandBytes  = 1 << 20
	maxSnapshotBytes = 32 << 20

	defaultListLimit = 50
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(LoopbackGuard())
		r.Use(AuthMiddleware(cfg.Ledger, cfg.Logger))

		r.Get("/state", stateHandler(cfg))
		r.Post("/commands", commandHandler(cfg))
		r.Put("/menus", menusHandler(cfg))
		r.Get("/timeline/edl", edlHandler(cfg))
		r.Get("/timeline/design", designHandler(cfg))

		r.Post("/project/save", saveHandler(cfg))
		r.Post("/project/load", loadHandler(cfg))
		r.Post("/project/reset", resetHandler(cfg))
		r.Post("/project/restore", restoreHandler(cfg))
		r.Put("/project/title", titleHandler(cfg))
		r.Delete("/project", deleteProjectHandler(cfg))
		r.Get("/project/snapshots", listSnapshotsHandler(cfg))

		r.Post("/exports", createExportHandler(cfg))
		r.Get("/exports", listExportsHandler(cfg))
		r.Get("/exports/{id}", getExportHandler(cfg))
		r.Post("/exports/{id}/watch", watchExportHandler(cfg))
		r.Delete("/exports/{id}", cancelExportHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:    "ok",
			Version:   cfg.Version,
			UptimeS:   uptime,
			SessionID: cfg.Session.ID,
		})
	}
}

func stateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, currentState(cfg))
	}
}

func currentState(cfg ServerConfig) StateResponse {
	s := cfg.Session
	return StateResponse{
		Timeline:  s.Bus.State(),
		Menus:     s.Menus.State(),
		ProjectID: s.Gateway.ProjectID(),
		Title:     s.Title(),
		CanUndo:   s.Bus.CanUndo(),
		CanRedo:   s.Bus.CanRedo(),
		Version:   s.Store.Version(),
		Settling:  s.Store.Settling(),
	}
}

func commandHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CommandRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes)).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Type == "" {
			WriteError(w, http.StatusBadRequest, "type is required", "BAD_REQUEST")
			return
		}

		cmd := events.CommandType(req.Type)
		payload, err := events.DecodePayload(cmd, req.Payload)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		if err := cfg.Session.Bus.Dispatch(cmd, payload); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusOK, currentState(cfg))
	}
}

func menusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		// Absent keys keep their current values.
		var decodeErr error
		cfg.Session.Menus.Update(func(m *layout.MenuState) {
			next := *m
			if decodeErr = json.Unmarshal(patch, &next); decodeErr == nil {
				*m = next
			}
		})
		if decodeErr != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		WriteJSON(w, http.StatusOK, cfg.Session.Menus.State())
	}
}

func edlHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, cfg.Session.EDL())
	}
}

func designHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Session.Document())
	}
}

func saveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProjectRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		if err := cfg.Session.Gateway.Save(r.Context(), req.ProjectID); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func loadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProjectRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		if req.ProjectID == "" {
			WriteError(w, http.StatusBadRequest, "project_id is required", "BAD_REQUEST")
			return
		}
		if err := cfg.Session.Gateway.Load(r.Context(), req.ProjectID); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, currentState(cfg))
	}
}

func resetHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProjectRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		if err := cfg.Session.Gateway.Reset(r.Context(), req.ProjectID); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, currentState(cfg))
	}
}

func restoreHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotBytes))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if err := cfg.Session.Gateway.Restore(raw); err != nil {
			WriteError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_SNAPSHOT")
			return
		}
		WriteJSON(w, http.StatusOK, currentState(cfg))
	}
}

func titleHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TitleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		cfg.Session.SetTitle(req.Title)
		w.WriteHeader(http.StatusAccepted)
	}
}

func deleteProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DeleteProjectRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		if err := cfg.Session.Gateway.Delete(r.Context(), req.ProjectID, req.DeleteExports); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listSnapshotsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project_id")
		if projectID == "" {
			projectID = cfg.Session.Gateway.ProjectID()
		}
		if projectID == "" {
			writeServiceError(w, cfg.Logger, project.ErrNoProjectID)
			return
		}

		snaps, err := cfg.Ledger.ListSnapshots(r.Context(), projectID, listLimit(r))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list snapshots", "INTERNAL_ERROR")
			return
		}
		resp := SnapshotsResponse{Snapshots: make([]SnapshotResponse, len(snaps))}
		for i, s := range snaps {
			resp.Snapshots[i] = SnapshotToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func createExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts ExportRequest
		if !decodeOptional(w, r, &opts) {
			return
		}
		task, err := cfg.Session.Export(r.Context(), opts)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, ExportResponse{
			JobID:   task.ID(),
			Backend: cfg.Session.Handoff.Backend(),
		})
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if remote, _ := strconv.ParseBool(r.URL.Query().Get("remote")); remote {
			exports, err := cfg.Session.Handoff.History(r.Context(), cfg.Session.Gateway.ProjectID(), listLimit(r))
			if err != nil {
				writeServiceError(w, cfg.Logger, err)
				return
			}
			WriteJSON(w, http.StatusOK, RemoteExportsResponse{Exports: exports})
			return
		}

		list, err := cfg.Ledger.ListJobs(r.Context(), listLimit(r))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}
		resp := JobsResponse{Jobs: make([]JobResponse, len(list))}
		for i, j := range list {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if t, ok := cfg.Session.Handoff.Task(id); ok {
			WriteJSON(w, http.StatusOK, TaskToResponse(t))
			return
		}

		job, err := cfg.Ledger.GetJob(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func watchExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := cfg.Session.Handoff.Watch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, TaskToResponse(t))
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Session.Handoff.Cancel(chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeOptional decodes a JSON body into v when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return false
	}
	return true
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

// writeServiceError maps component errors onto HTTP responses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *cloud.APIError
	switch {
	case errors.Is(err, project.ErrNoProjectID):
		WriteError(w, http.StatusBadRequest, err.Error(), "NO_PROJECT_ID")
	case errors.Is(err, events.ErrUnknownCommand), errors.Is(err, events.ErrPayloadMismatch):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_COMMAND")
	case errors.Is(err, render.ErrUnsupportedFormat), errors.Is(err, render.ErrNoHistory):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	case errors.Is(err, render.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case isEditError(err):
		WriteError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_EDIT")
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.As(err, &apiErr):
		logger.Warn("upstream request failed", "status", apiErr.StatusCode, "error", err)
		WriteError(w, http.StatusBadGateway, err.Error(), "UPSTREAM_ERROR")
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, http.StatusGatewayTimeout, err.Error(), "TIMEOUT")
	default:
		logger.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

func isEditError(err error) bool {
	for _, target := range []error{
		timeline.ErrUnknownTrack,
		timeline.ErrTrackTypeMismatch,
		timeline.ErrInvalidDisplay,
		timeline.ErrDuplicateID,
		timeline.ErrUnknownItem,
		timeline.ErrInvalidSize,
		timeline.ErrIntegrity,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
