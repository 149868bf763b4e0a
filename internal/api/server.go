package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/session"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Ledger is the slice of the local ledger the HTTP surface reads.
type Ledger interface {
	GetConfig(ctx context.Context, key string) (string, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*jobs.Job, error)
	ListSnapshots(ctx context.Context, projectID string, limit int) ([]*jobs.Snapshot, error)
}

type ServerConfig struct {
	Port      int
	Session   *session.Session
	Ledger    Ledger
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
