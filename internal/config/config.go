// Package config loads filedrop settings.
//
// Precedence, lowest first: Default(), an optional YAML file, environment
// variables, then whatever the command line overrides after Load returns.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration. TransferTimeout applies to
// upload, download and archive routes instead of Read/WriteTimeout; zero
// disables it.
type ServerConfig struct {
	Port            int           `envconfig:"PORT" yaml:"port"`
	Host            string        `envconfig:"HOST" yaml:"host"`
	PublicDir       string        `envconfig:"PUBLIC_DIR" yaml:"public_dir"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" yaml:"cors_origins"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" yaml:"write_timeout"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" yaml:"idle_timeout"`
	TransferTimeout time.Duration `envconfig:"TRANSFER_TIMEOUT" yaml:"transfer_timeout"`
	WebDAV          bool          `envconfig:"WEBDAV_ENABLED" yaml:"webdav"`
}

// StorageConfig describes the served tree. StateDir holds derived data
// (thumbnails) and is never exposed over HTTP.
type StorageConfig struct {
	Root             string        `envconfig:"UPLOAD_DIR" yaml:"root"`
	StateDir         string        `envconfig:"STATE_DIR" yaml:"state_dir"`
	MaxUploadBytes   int64         `envconfig:"MAX_UPLOAD_BYTES" yaml:"max_upload_bytes"`
	DiskPollInterval time.Duration `envconfig:"DISK_POLL_INTERVAL" yaml:"disk_poll_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development"`
}

// RateLimitConfig holds per-client rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"rps"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled"`
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3000,
			Host:         "0.0.0.0",
			PublicDir:    "public",
			CORSOrigins:  []string{"*"},
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			WebDAV:       true,
		},
		Storage: StorageConfig{
			Root:             "./uploads",
			MaxUploadBytes:   4 << 30,
			DiskPollInterval: 5 * time.Second,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.ReadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile overlays the YAML file at path onto c. Keys missing from the
// file keep their current values; unknown keys are an error.
func (c *Config) ReadFile(path string) error {
	if stat, _ := os.Stat(path); stat == nil || !stat.Mode().IsRegular() {
		return fmt.Errorf("config file %s doesn't exist", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, errors.New("storage root is required"))
	}
	if c.Storage.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload bytes must be positive, got %d", c.Storage.MaxUploadBytes))
	}
	if c.Storage.DiskPollInterval <= 0 {
		errs = append(errs, errors.New("disk poll interval must be positive"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	for name, d := range map[string]time.Duration{
		"read timeout":     c.Server.ReadTimeout,
		"write timeout":    c.Server.WriteTimeout,
		"idle timeout":     c.Server.IdleTimeout,
		"transfer timeout": c.Server.TransferTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate limit needs positive rps and burst when enabled"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// SetAddr splits a "host:port" listen address into Host and Port.
func (s *ServerConfig) SetAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("listen address %q: bad port", addr)
	}
	s.Host, s.Port = host, p
	return nil
}

// StateDirOrDefault returns StateDir, or a per-user cache directory when it
// is unset.
func (s StorageConfig) StateDirOrDefault() string {
	if s.StateDir != "" {
		return s.StateDir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "filedrop")
	}
	return filepath.Join(os.TempDir(), "filedrop")
}
