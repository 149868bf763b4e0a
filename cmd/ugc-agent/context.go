package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ugcstudio/ugc-agent/internal/config"
	"github.com/ugcstudio/ugc-agent/internal/db"
	"github.com/ugcstudio/ugc-agent/internal/jobs"
	"github.com/ugcstudio/ugc-agent/internal/logging"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.EnvConfig
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.EnvConfig, error) {
	c.configOnce.Do(func() {
		if c.configFlag != nil {
			if path := strings.TrimSpace(*c.configFlag); path != "" {
				os.Setenv(config.EnvConfigFile, path)
			}
		}
		cfg, err := config.New()
		if err != nil {
			c.configErr = fmt.Errorf("failed to load config: %w", err)
			return
		}
		if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
			c.configErr = fmt.Errorf("failed to create data dir: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *slog.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.NewLogger(config.DefaultLogLevel, "")
	}
	return logging.NewLogger(cfg.LogLevel(), cfg.LogFormat())
}

// withLedger opens the local database for the duration of fn.
func (c *commandContext) withLedger(logger *slog.Logger, fn func(*jobs.SQLiteRepository) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	return fn(jobs.NewRepository(database.Conn()))
}
