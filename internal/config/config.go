// Package config provides configuration management for the UGC editor agent.
// Values come from defaults, an optional TOML file, a .env file and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	// Default values
	DefaultPort            = 8797
	DefaultLogLevel        = "info"
	DefaultDataDir         = ".ugc-agent"
	DefaultAPIBaseURL      = "http://localhost:3000/v1"
	DefaultRenderBackend   = "render"
	DefaultPollIntervalMS  = 2000
	DefaultPollBackoffMS   = 6000
	DefaultSaveTimeoutS    = 45
	DefaultHistoryLimit    = 100
	DefaultTitleDebounceMS = 2000

	// Environment variable names
	EnvConfigFile      = "UGC_CONFIG"
	EnvPort            = "UGC_PORT"
	EnvLogLevel        = "UGC_LOG_LEVEL"
	EnvLogFormat       = "UGC_LOG_FORMAT"
	EnvDataDir         = "UGC_DATA_DIR"
	EnvAPIBaseURL      = "UGC_API_BASE_URL"
	EnvAPIToken        = "UGC_API_TOKEN"
	EnvRenderBackend   = "UGC_RENDER_BACKEND"
	EnvProjectID       = "UGC_PROJECT_ID"
	EnvPollIntervalMS  = "UGC_POLL_INTERVAL_MS"
	EnvPollBackoffMS   = "UGC_POLL_BACKOFF_MS"
	EnvSaveTimeoutS    = "UGC_SAVE_TIMEOUT_S"
	EnvHistoryLimit    = "UGC_HISTORY_LIMIT"
	EnvTitleDebounceMS = "UGC_TITLE_DEBOUNCE_MS"

	// Database filename
	DBFilename = "ugc-agent.db"

	// LockFilename guards the data directory against a second session.
	LockFilename = "session.lock"

	dotEnvFile = ".env"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFormat() string
	DataDir() string
	DBPath() string
	LockPath() string
	APIBaseURL() string
	APIToken() string
	RenderBackend() string
	ProjectID() string
	PollInterval() time.Duration
	PollBackoff() time.Duration
	SaveTimeout() time.Duration
	HistoryLimit() int
	TitleDebounce() time.Duration
}

// EnvConfig holds the resolved configuration.
type EnvConfig struct {
	port            int
	logLevel        string
	logFormat       string
	dataDir         string
	apiBaseURL      string
	apiToken        string
	renderBackend   string
	projectID       string
	pollIntervalMS  int
	pollBackoffMS   int
	saveTimeoutS    int
	historyLimit    int
	titleDebounceMS int
	configFile      string
}

// fileConfig mirrors the TOML file. Zero values leave the default in place.
type fileConfig struct {
	Port            int    `toml:"port"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	DataDir         string `toml:"data_dir"`
	APIBaseURL      string `toml:"api_base_url"`
	APIToken        string `toml:"api_token"`
	RenderBackend   string `toml:"render_backend"`
	ProjectID       string `toml:"project_id"`
	PollIntervalMS  int    `toml:"poll_interval_ms"`
	PollBackoffMS   int    `toml:"poll_backoff_ms"`
	SaveTimeoutS    int    `toml:"save_timeout_s"`
	HistoryLimit    int    `toml:"history_limit"`
	TitleDebounceMS int    `toml:"title_debounce_ms"`
}

// New creates a new EnvConfig with defaults, then applies the TOML file named
// by UGC_CONFIG, a .env file in the working directory and the environment.
func New() (*EnvConfig, error) {
	// A missing .env is fine; real environment variables always win.
	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotEnvFile, err)
	}

	cfg := &EnvConfig{
		port:            DefaultPort,
		logLevel:        DefaultLogLevel,
		dataDir:         defaultDataDir(),
		apiBaseURL:      DefaultAPIBaseURL,
		renderBackend:   DefaultRenderBackend,
		pollIntervalMS:  DefaultPollIntervalMS,
		pollBackoffMS:   DefaultPollBackoffMS,
		saveTimeoutS:    DefaultSaveTimeoutS,
		historyLimit:    DefaultHistoryLimit,
		titleDebounceMS: DefaultTitleDebounceMS,
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.configFile = path

	setString(&c.logLevel, fc.LogLevel)
	setString(&c.logFormat, fc.LogFormat)
	setString(&c.dataDir, fc.DataDir)
	setString(&c.apiBaseURL, fc.APIBaseURL)
	setString(&c.apiToken, fc.APIToken)
	setString(&c.renderBackend, fc.RenderBackend)
	setString(&c.projectID, fc.ProjectID)
	setInt(&c.port, fc.Port)
	setInt(&c.pollIntervalMS, fc.PollIntervalMS)
	setInt(&c.pollBackoffMS, fc.PollBackoffMS)
	setInt(&c.saveTimeoutS, fc.SaveTimeoutS)
	setInt(&c.historyLimit, fc.HistoryLimit)
	setInt(&c.titleDebounceMS, fc.TitleDebounceMS)
	return nil
}

func (c *EnvConfig) loadEnv() error {
	setString(&c.logLevel, os.Getenv(EnvLogLevel))
	setString(&c.logFormat, os.Getenv(EnvLogFormat))
	setString(&c.dataDir, os.Getenv(EnvDataDir))
	setString(&c.apiBaseURL, os.Getenv(EnvAPIBaseURL))
	setString(&c.apiToken, os.Getenv(EnvAPIToken))
	setString(&c.renderBackend, os.Getenv(EnvRenderBackend))
	setString(&c.projectID, os.Getenv(EnvProjectID))

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvPort, &c.port},
		{EnvPollIntervalMS, &c.pollIntervalMS},
		{EnvPollBackoffMS, &c.pollBackoffMS},
		{EnvSaveTimeoutS, &c.saveTimeoutS},
		{EnvHistoryLimit, &c.historyLimit},
		{EnvTitleDebounceMS, &c.titleDebounceMS},
	}
	for _, v := range ints {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", v.name, err)
		}
		*v.dst = n
	}
	return nil
}

// Validate checks ranges and enumerated values.
func (c *EnvConfig) Validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port)
	}
	switch c.renderBackend {
	case "render", "ugc":
	default:
		return fmt.Errorf("invalid render backend %q: must be render or ugc", c.renderBackend)
	}
	switch c.logFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format %q: must be json or text", c.logFormat)
	}

	positive := []struct {
		name string
		v    int
	}{
		{"poll interval", c.pollIntervalMS},
		{"poll backoff", c.pollBackoffMS},
		{"save timeout", c.saveTimeoutS},
		{"history limit", c.historyLimit},
		{"title debounce", c.titleDebounceMS},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("invalid %s %d: must be positive", p.name, p.v)
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFormat returns json, text, or "" for terminal detection.
func (c *EnvConfig) LogFormat() string {
	return c.logFormat
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

func (c *EnvConfig) LockPath() string {
	return filepath.Join(c.dataDir, LockFilename)
}

// APIBaseURL is the base of the project store and render service.
func (c *EnvConfig) APIBaseURL() string {
	return c.apiBaseURL
}

func (c *EnvConfig) APIToken() string {
	return c.apiToken
}

func (c *EnvConfig) RenderBackend() string {
	return c.renderBackend
}

// ProjectID is the project bound at session start, if any.
func (c *EnvConfig) ProjectID() string {
	return c.projectID
}

func (c *EnvConfig) PollInterval() time.Duration {
	return time.Duration(c.pollIntervalMS) * time.Millisecond
}

func (c *EnvConfig) PollBackoff() time.Duration {
	return time.Duration(c.pollBackoffMS) * time.Millisecond
}

func (c *EnvConfig) SaveTimeout() time.Duration {
	return time.Duration(c.saveTimeoutS) * time.Second
}

func (c *EnvConfig) HistoryLimit() int {
	return c.historyLimit
}

func (c *EnvConfig) TitleDebounce() time.Duration {
	return time.Duration(c.titleDebounceMS) * time.Millisecond
}

// ConfigFile returns the TOML file that was applied, if any.
func (c *EnvConfig) ConfigFile() string {
	return c.configFile
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
