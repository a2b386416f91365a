// Package config provides configuration loading and validation for the server and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Log formats
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Duration is a time.Duration written as a Go duration string ("30s", "10m") in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds server and CLI settings. It can be loaded from a JSON or YAML file;
// all fields are optional and missing values are filled by MergeWithDefaults.
type Config struct {
	// Server
	Port int `json:"port,omitempty" yaml:"port,omitempty"` // HTTP listen port

	// Persistence
	Store       string `json:"store,omitempty" yaml:"store,omitempty"`               // "postgres" or "memory"
	DatabaseURL string `json:"database_url,omitempty" yaml:"database_url,omitempty"` // PostgreSQL connection URL

	// Compute backend
	ComputeURL              string   `json:"compute_url,omitempty" yaml:"compute_url,omitempty"`
	ComputeTimeout          Duration `json:"compute_timeout,omitempty" yaml:"compute_timeout,omitempty"`
	StepTimeout             Duration `json:"step_timeout,omitempty" yaml:"step_timeout,omitempty"`
	MaxRetries              int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryBackoff            Duration `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`
	MaxConcurrentExecutions int64    `json:"max_concurrent_executions,omitempty" yaml:"max_concurrent_executions,omitempty"`
	Simulate                bool     `json:"simulate,omitempty" yaml:"simulate,omitempty"` // Use the in-process backend

	// Logging
	LogLevel  string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"` // "text" or "json"
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:                    8080,
		ComputeTimeout:          Duration(10 * time.Minute),
		StepTimeout:             Duration(30 * time.Minute),
		MaxRetries:              2,
		RetryBackoff:            Duration(500 * time.Millisecond),
		MaxConcurrentExecutions: 4,
		LogLevel:                "info",
		LogFormat:               LogFormatText,
	}
}

// LoadConfig loads configuration from a JSON or YAML file, chosen by extension.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return &cfg, nil
}

// FromEnv returns a copy of base with DATABASE_URL, COMPUTE_URL, PORT and LOG_LEVEL
// applied when they are set.
func FromEnv(base Config) (Config, error) {
	result := base
	if v := os.Getenv("DATABASE_URL"); v != "" {
		result.DatabaseURL = v
	}
	if v := os.Getenv("COMPUTE_URL"); v != "" {
		result.ComputeURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		result.LogLevel = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return base, fmt.Errorf("config error: PORT must be an integer: %w", err)
		}
		result.Port = port
	}
	return result, nil
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 0 and 65535")
	}

	switch c.Store {
	case "", StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config error: 'database_url' is required for the postgres store")
		}
	default:
		return fmt.Errorf("config error: unknown store %q (want %s or %s)", c.Store, StorePostgres, StoreMemory)
	}

	if c.ComputeURL != "" {
		u, err := url.Parse(c.ComputeURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config error: 'compute_url' must be an http(s) URL, got %q", c.ComputeURL)
		}
	}

	if c.ComputeTimeout < 0 || c.StepTimeout < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("config error: durations must be non-negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config error: 'max_retries' must be non-negative")
	}
	if c.MaxConcurrentExecutions < 0 {
		return fmt.Errorf("config error: 'max_concurrent_executions' must be non-negative")
	}

	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
	}
	switch c.LogFormat {
	case "", LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("config error: unknown log format %q", c.LogFormat)
	}

	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// The store defaults to postgres when a database URL is known and to memory otherwise.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.ComputeURL == "" {
		result.ComputeURL = defaults.ComputeURL
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}
	if result.LogFormat == "" {
		result.LogFormat = defaults.LogFormat
	}
	if result.Store == "" {
		result.Store = defaults.Store
	}
	if result.Store == "" {
		if result.DatabaseURL != "" {
			result.Store = StorePostgres
		} else {
			result.Store = StoreMemory
		}
	}

	// Numeric fields: use default if zero
	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.ComputeTimeout == 0 {
		result.ComputeTimeout = defaults.ComputeTimeout
	}
	if result.StepTimeout == 0 {
		result.StepTimeout = defaults.StepTimeout
	}
	if result.MaxRetries == 0 {
		result.MaxRetries = defaults.MaxRetries
	}
	if result.RetryBackoff == 0 {
		result.RetryBackoff = defaults.RetryBackoff
	}
	if result.MaxConcurrentExecutions == 0 {
		result.MaxConcurrentExecutions = defaults.MaxConcurrentExecutions
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

// UseSimulator reports whether the in-process compute backend should be used.
func (c *Config) UseSimulator() bool {
	return c.Simulate || c.ComputeURL == ""
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
