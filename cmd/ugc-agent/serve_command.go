package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ugcstudio/ugc-agent/internal/api"
	"github.com/ugcstudio/ugc-agent/internal/cloud"
	"github.com/ugcstudio/ugc-agent/internal/config"
	"github.com/ugcstudio/ugc-agent/internal/db"
	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/logging"
	"github.com/ugcstudio/ugc-agent/internal/render"
	"github.com/ugcstudio/ugc-agent/internal/session"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the editing session and its local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if projectID == "" {
				projectID = cfg.ProjectID()
			}
			return serve(cmd.Context(), cfg, projectID)
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Project to load at startup (overrides UGC_PROJECT_ID)")
	return cmd
}

func serve(parent context.Context, cfg *config.EnvConfig, projectID string) error {
	startTime := time.Now()

	logger := logging.NewLogger(cfg.LogLevel(), cfg.LogFormat())
	logger.Info("starting ugc agent", "version", config.Version, "data_dir", logging.SanitizePath(cfg.DataDir()), "config_file", logging.SanitizePath(cfg.ConfigFile()))

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := jobs.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(parent, repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	client := cloud.NewHTTPClient(cfg.APIBaseURL(), cfg.APIToken(), cfg.SaveTimeout(), logger)
	backend, err := render.NewBackend(cfg.RenderBackend(), client)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Options{
		Remote:        client.Projects(),
		Backend:       backend,
		Ledger:        repo,
		LockPath:      cfg.LockPath(),
		HistoryLimit:  cfg.HistoryLimit(),
		SaveTimeout:   cfg.SaveTimeout(),
		PollInterval:  cfg.PollInterval(),
		PollBackoff:   cfg.PollBackoff(),
		TitleDebounce: cfg.TitleDebounce(),
	}, logger)
	if err != nil {
		if errors.Is(err, session.ErrLocked) {
			return fmt.Errorf("another ugc-agent is using %s: %w", cfg.DataDir(), err)
		}
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if projectID != "" {
		if err := sess.Gateway.Load(ctx, projectID); err != nil {
			logger.Warn("initial project load failed, starting empty", "project_id", projectID, "error", err)
			sess.Gateway.Bind(projectID)
		}
	}

	printBanner(cfg.Port(), authToken, projectID)

	apiServer := api.NewServer(api.ServerConfig{
		Port:      cfg.Port(),
		Session:   sess,
		Ledger:    repo,
		Logger:    logger,
		StartTime: startTime,
		Version:   config.Version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func printBanner(port int, token, projectID string) {
	if projectID == "" {
		projectID = "(none)"
	}
	fmt.Println()
	fmt.Println(renderTable(
		[]string{"UGC AGENT " + config.Version, ""},
		[][]string{
			{"API URL", fmt.Sprintf("http://127.0.0.1:%d", port)},
			{"Auth Token", token},
			{"Project", projectID},
		},
		nil,
	))
	fmt.Println()
}

func ensureAuthToken(ctx context.Context, repo jobs.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, jobs.ConfigAuthToken)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, jobs.ConfigAuthToken, token); err != nil {
		return "", err
	}

	return token, nil
}
