package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shhac/grotto-bridge/internal/logging"
)

// Config holds application-wide configuration.
type Config struct {
	// Listen is the HTTP listen address
	Listen string `yaml:"listen"`

	// Debug enables debug logging and additional diagnostics
	Debug bool `yaml:"debug"`

	Log LogConfig `yaml:"log"`

	// DialTimeout bounds how long a session waits for its target
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxSessions caps concurrent tunnels; zero means unlimited
	MaxSessions int `yaml:"max_sessions"`

	// MaxUploadBytes caps the body of a proto upload
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// AllowedOrigins are the browser origins allowed by CORS and the
	// websocket upgrade. "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// PingInterval is the websocket keepalive period; negative disables it
	PingInterval time.Duration `yaml:"ping_interval"`

	// Tracing exports session spans to stdout
	Tracing bool `yaml:"tracing"`

	// ProtoFiles are loaded into the registry at startup. Their names,
	// as seen by import statements, are relative to ProtoRoot.
	ProtoFiles []string `yaml:"proto_files"`
	ProtoRoot  string   `yaml:"proto_root"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, receives logs in addition to stderr
	File string `yaml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "0.0.0.0:8081",
		Log:             LogConfig{Level: "info", Format: "text"},
		DialTimeout:     30 * time.Second,
		MaxSessions:     0,
		MaxUploadBytes:  4 << 20,
		AllowedOrigins:  []string{"*"},
		PingInterval:    20 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfigFile reads a YAML file over the defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from GROTTO_* environment variables. Values that
// do not parse are ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GROTTO_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			c.Debug = debug
		}
	}
	if v := os.Getenv("GROTTO_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("GROTTO_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GROTTO_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("GROTTO_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("GROTTO_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DialTimeout = d
		}
	}
	if v := os.Getenv("GROTTO_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSessions = n
		}
	}
	if v := os.Getenv("GROTTO_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("GROTTO_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("GROTTO_TRACING"); v != "" {
		if tracing, err := strconv.ParseBool(v); err == nil {
			c.Tracing = tracing
		}
	}
	if v := os.Getenv("GROTTO_PROTO_FILES"); v != "" {
		c.ProtoFiles = splitList(v)
	}
	if v := os.Getenv("GROTTO_PROTO_ROOT"); v != "" {
		c.ProtoRoot = v
	}
}

// ConfigFromEnv creates a configuration from the defaults and the
// environment.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dial timeout must be positive, got %s", c.DialTimeout))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max sessions must not be negative, got %d", c.MaxSessions))
	}
	if c.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("max upload bytes must not be negative, got %d", c.MaxUploadBytes))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must not be negative, got %s", c.ShutdownTimeout))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
