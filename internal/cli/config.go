package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bookextract/internal/controller"
	"github.com/ChuLiYu/bookextract/internal/llm/gemini"
	"github.com/ChuLiYu/bookextract/internal/server"
)

// Config represents the complete system configuration structure.
// YAML provides the base; environment variables override it; Sanitize fills defaults.
type Config struct {
	Gemini struct {
		APIKey  string        `yaml:"api_key"  env:"GEMINI_API_KEY"`
		BaseURL string        `yaml:"base_url" env:"BOOKEXTRACT_GEMINI_BASE_URL"`
		Model   string        `yaml:"model"    env:"BOOKEXTRACT_GEMINI_MODEL"`
		Timeout time.Duration `yaml:"timeout"  env:"BOOKEXTRACT_GEMINI_TIMEOUT"`
	} `yaml:"gemini"`

	Scheduler struct {
		RecheckInterval time.Duration `yaml:"recheck_interval" env:"RECHECK_INTERVAL"`
		JobTimeout      time.Duration `yaml:"job_timeout"      env:"JOB_TIMEOUT"`
	} `yaml:"scheduler" envPrefix:"BOOKEXTRACT_SCHEDULER_"`

	History struct {
		Backend string `yaml:"backend" env:"BACKEND"`
		Path    string `yaml:"path"    env:"PATH"`
	} `yaml:"history" envPrefix:"BOOKEXTRACT_HISTORY_"`

	GRPC struct {
		Enabled      bool   `yaml:"enabled"        env:"ENABLED"`
		Addr         string `yaml:"addr"           env:"ADDR"`
		MaxMessageMB int    `yaml:"max_message_mb" env:"MAX_MESSAGE_MB"`
	} `yaml:"grpc" envPrefix:"BOOKEXTRACT_GRPC_"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"ENABLED"`
		Port    int  `yaml:"port"    env:"PORT"`
	} `yaml:"metrics" envPrefix:"BOOKEXTRACT_METRICS_"`

	Log struct {
		Level  string `yaml:"level"  env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"`
	} `yaml:"log" envPrefix:"BOOKEXTRACT_LOG_"`
}

// Sanitize applies defaults to unset fields.
func (c *Config) Sanitize() {
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = gemini.DefaultBaseURL
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = gemini.DefaultModel
	}
	if c.Gemini.Timeout <= 0 {
		c.Gemini.Timeout = 10 * time.Minute
	}
	if c.Scheduler.RecheckInterval <= 0 {
		c.Scheduler.RecheckInterval = 2 * time.Second
	}
	if c.Scheduler.JobTimeout < 0 {
		c.Scheduler.JobTimeout = 0
	}
	c.History.Backend = strings.ToLower(strings.TrimSpace(c.History.Backend))
	if c.History.Backend == "" {
		c.History.Backend = controller.BackendFile
	}
	if c.History.Path == "" {
		if c.History.Backend == controller.BackendSQLite {
			c.History.Path = "data/history.db"
		} else {
			c.History.Path = "data/history.json"
		}
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.GRPC.MaxMessageMB <= 0 {
		c.GRPC.MaxMessageMB = server.DefaultMaxMessageMB
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// ControllerConfig maps the file configuration onto controller.Config.
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		HistoryBackend:  c.History.Backend,
		HistoryPath:     c.History.Path,
		RecheckInterval: c.Scheduler.RecheckInterval,
		JobTimeout:      c.Scheduler.JobTimeout,
	}
}

// GeminiConfig maps the file configuration onto gemini.Config.
func (c *Config) GeminiConfig() gemini.Config {
	return gemini.Config{
		APIKey:  c.Gemini.APIKey,
		BaseURL: c.Gemini.BaseURL,
		Model:   c.Gemini.Model,
		Timeout: c.Gemini.Timeout,
	}
}

// MaxMessageBytes is the gRPC message limit for both server and client.
func (c *Config) MaxMessageBytes() int {
	return server.MessageBytes(c.GRPC.MaxMessageMB)
}

// DialAddr turns a listen address like ":50051" into a dialable one.
func (c *Config) DialAddr() string {
	if strings.HasPrefix(c.GRPC.Addr, ":") {
		return "localhost" + c.GRPC.Addr
	}
	return c.GRPC.Addr
}

// loadConfig reads YAML (a missing file means defaults), overlays the environment, then sanitizes.
func loadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("Config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.Sanitize()
	return &cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
