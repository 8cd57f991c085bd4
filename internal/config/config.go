// Package config provides configuration loading for ocrpipe.
// Supports YAML files, environment variable overrides, and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docstream/ocrpipe/internal/domain"
)

// Config holds all runtime configuration for the pipeline.
type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// BackendConfig holds inference backend settings.
type BackendConfig struct {
	// URL is the base of the vLLM OpenAI-compatible API, including /v1.
	URL string `yaml:"url"`
	// Model is the served model name sent with each request.
	Model string `yaml:"model"`
	// RequestTimeout bounds a single inference call so a slow request
	// cannot occupy a dispatcher slot forever.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Prompt is the instruction sent alongside every image.
	Prompt string `yaml:"prompt"`
}

// PipelineConfig holds dispatch and output settings.
type PipelineConfig struct {
	// MaxConcurrency caps in-flight inference calls.
	MaxConcurrency int `yaml:"max_concurrency"`
	// RetryAttempts is how many extra attempts a transient backend
	// failure gets before the unit is recorded as failed.
	RetryAttempts int `yaml:"retry_attempts"`
	// QueueDepth sizes the unit channel between producer and dispatcher;
	// it bounds read-ahead when the backend is the bottleneck.
	QueueDepth int `yaml:"queue_depth"`
	// Resolution is the default resolution mode.
	Resolution string `yaml:"resolution"`
	// PDFQuality is the JPEG quality for rasterized PDF pages (1-100).
	PDFQuality int `yaml:"pdf_quality"`
	// Overwrite replaces existing output files instead of skipping them.
	Overwrite bool `yaml:"overwrite"`
	// ManifestFlushEvery controls incremental manifest flushing on
	// long-running dataset jobs.
	ManifestFlushEvery int `yaml:"manifest_flush_every"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with development defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:            "http://127.0.0.1:8000/v1",
			Model:          "deepseek-ai/DeepSeek-OCR",
			RequestTimeout: 5 * time.Minute,
			Prompt:         "Extract all text from this image and return it in markdown format.",
		},
		Pipeline: PipelineConfig{
			MaxConcurrency:     4,
			RetryAttempts:      1,
			QueueDepth:         0, // derived: 2x concurrency
			Resolution:         "base",
			PDFQuality:         85,
			ManifestFlushEvery: 25,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Validate checks the configuration for errors. Invalid configuration is
// fatal before any network or dataset I/O begins.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return domain.ConfigError("backend url must not be empty", nil)
	}
	if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		return domain.ConfigError(fmt.Sprintf("backend url %q must be http(s)", c.Backend.URL), nil)
	}
	if c.Backend.RequestTimeout <= 0 {
		return domain.ConfigError("backend request_timeout must be positive", nil)
	}
	if c.Pipeline.MaxConcurrency < 1 {
		return domain.ConfigError(fmt.Sprintf("max_concurrency must be at least 1, got %d", c.Pipeline.MaxConcurrency), nil)
	}
	if c.Pipeline.RetryAttempts < 0 {
		return domain.ConfigError("retry_attempts must not be negative", nil)
	}
	if c.Pipeline.PDFQuality < 1 || c.Pipeline.PDFQuality > 100 {
		return domain.ConfigError(fmt.Sprintf("pdf_quality must be between 1 and 100, got %d", c.Pipeline.PDFQuality), nil)
	}
	if _, err := domain.ParseResolutionMode(c.Pipeline.Resolution); err != nil {
		return err
	}
	return nil
}

// QueueDepth returns the configured queue depth, deriving a default from
// the concurrency bound when unset.
func (c *Config) QueueDepth() int {
	if c.Pipeline.QueueDepth > 0 {
		return c.Pipeline.QueueDepth
	}
	return 2 * c.Pipeline.MaxConcurrency
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OCRPIPE_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("OCRPIPE_MODEL"); v != "" {
		cfg.Backend.Model = v
	}
	if v := os.Getenv("OCRPIPE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backend.RequestTimeout = d
		}
	}
	if v := os.Getenv("OCRPIPE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxConcurrency = n
		}
	}
	if v := os.Getenv("OCRPIPE_RESOLUTION"); v != "" {
		cfg.Pipeline.Resolution = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
