package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oochihiro/pychatcat/internal/logger"
)

// Environment variables read once at startup.
const (
	EnvHome           = "PYCHATCAT_HOME"
	EnvBackendURL     = "PYCHATCAT_BACKEND_URL"
	EnvEnableCloud    = "PYCHATCAT_ENABLE_CLOUD"
	EnvRequestTimeout = "PYCHATCAT_REQUEST_TIMEOUT"
	EnvLogLevel       = "PYCHATCAT_LOG_LEVEL"
	EnvDBPath         = "PYCHATCAT_DB_PATH"
)

// DefaultBackendURL is the collector used when none is configured.
const DefaultBackendURL = "http://pychatcat.cloud"

// CloudConfig configures the remote mirror.
type CloudConfig struct {
	// Enabled turns remote mirroring on
	Enabled bool `yaml:"enabled"`

	// BaseURL is the collector root, without a trailing slash
	BaseURL string `yaml:"base_url"`

	// Timeout bounds every collector request
	Timeout time.Duration `yaml:"timeout"`

	// Workers is the number of concurrent collector requests
	Workers int `yaml:"workers"`
}

// Active reports whether mirroring should run: enabled and pointed somewhere.
func (c CloudConfig) Active() bool {
	return c.Enabled && strings.TrimSpace(c.BaseURL) != ""
}

// Config represents telemetry configuration options
type Config struct {
	// DBPath is the local event store file
	DBPath string `yaml:"db_path"`

	// LogLevel sets the diagnostic verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is where daily diagnostic logs are written
	LogDir string `yaml:"log_dir"`

	// IdentityPath stores the generated learner identity
	IdentityPath string `yaml:"identity_path"`

	// IdleThreshold is the gap after which an idle event is synthesized
	IdleThreshold time.Duration `yaml:"idle_threshold"`

	// QueueSize bounds each background write queue
	QueueSize int `yaml:"queue_size"`

	// Cloud configures the remote mirror
	Cloud CloudConfig `yaml:"cloud"`
}

// DefaultConfig returns a Config rooted at home.
func DefaultConfig(home string) *Config {
	return &Config{
		DBPath:        filepath.Join(home, "learning_analytics.db"),
		LogLevel:      "info",
		LogDir:        filepath.Join(home, "logs"),
		IdentityPath:  filepath.Join(home, "user_identity.json"),
		IdleThreshold: 60 * time.Second,
		QueueSize:     1024,
		Cloud: CloudConfig{
			Enabled: true,
			BaseURL: DefaultBackendURL,
			Timeout: 5 * time.Second,
			Workers: 4,
		},
	}
}

// LoadConfig builds the configuration for home: defaults, then the YAML file
// at <home>/config.yaml if present, then environment overrides.
func LoadConfig(home string) (*Config, error) {
	cfg, err := LoadConfigFile(filepath.Join(home, "config.yaml"), DefaultConfig(home))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile merges the YAML file at path over base.
// If the file doesn't exist, base is returned unchanged.
// If the file exists but is malformed, returns an error.
func LoadConfigFile(path string, base *Config) (*Config, error) {
	cfg := *base

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Durations are strings in YAML ("5s", "1m").
	type yamlCloud struct {
		Enabled *bool  `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
		Workers int    `yaml:"workers"`
	}
	type yamlConfig struct {
		DBPath        string     `yaml:"db_path"`
		LogLevel      string     `yaml:"log_level"`
		LogDir        string     `yaml:"log_dir"`
		IdentityPath  string     `yaml:"identity_path"`
		IdleThreshold string     `yaml:"idle_threshold"`
		QueueSize     int        `yaml:"queue_size"`
		Cloud         *yamlCloud `yaml:"cloud"`
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if yc.DBPath != "" {
		cfg.DBPath = yc.DBPath
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.LogDir != "" {
		cfg.LogDir = yc.LogDir
	}
	if yc.IdentityPath != "" {
		cfg.IdentityPath = yc.IdentityPath
	}
	if yc.IdleThreshold != "" {
		d, err := time.ParseDuration(yc.IdleThreshold)
		if err != nil {
			return nil, fmt.Errorf("invalid idle_threshold format %q: %w", yc.IdleThreshold, err)
		}
		cfg.IdleThreshold = d
	}
	if yc.QueueSize != 0 {
		cfg.QueueSize = yc.QueueSize
	}
	if yc.Cloud != nil {
		if yc.Cloud.Enabled != nil {
			cfg.Cloud.Enabled = *yc.Cloud.Enabled
		}
		if yc.Cloud.BaseURL != "" {
			cfg.Cloud.BaseURL = normalizeURL(yc.Cloud.BaseURL)
		}
		if yc.Cloud.Timeout != "" {
			d, err := time.ParseDuration(yc.Cloud.Timeout)
			if err != nil {
				return nil, fmt.Errorf("invalid cloud.timeout format %q: %w", yc.Cloud.Timeout, err)
			}
			cfg.Cloud.Timeout = d
		}
		if yc.Cloud.Workers != 0 {
			cfg.Cloud.Workers = yc.Cloud.Workers
		}
	}

	return &cfg, nil
}

// ApplyEnv overrides fields from the PYCHATCAT_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvBackendURL); ok {
		c.Cloud.BaseURL = normalizeURL(v)
	}
	if v, ok := os.LookupEnv(EnvEnableCloud); ok {
		c.Cloud.Enabled = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v, ok := os.LookupEnv(EnvRequestTimeout); ok {
		secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvRequestTimeout, v, err)
		}
		c.Cloud.Timeout = time.Duration(secs * float64(time.Second))
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvDBPath); ok && v != "" {
		c.DBPath = v
	}
	return nil
}

// Validate validates the configuration values
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("idle_threshold must be > 0, got %v", c.IdleThreshold)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be > 0, got %d", c.QueueSize)
	}
	if c.Cloud.Timeout < 0 {
		return fmt.Errorf("cloud.timeout must be >= 0, got %v", c.Cloud.Timeout)
	}
	if c.Cloud.Active() {
		u, err := url.Parse(c.Cloud.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("cloud.base_url must be an http(s) URL, got %q", c.Cloud.BaseURL)
		}
		if c.Cloud.Workers <= 0 {
			return fmt.Errorf("cloud.workers must be > 0, got %d", c.Cloud.Workers)
		}
	}
	return nil
}

// normalizeURL trims whitespace and trailing slashes.
func normalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
