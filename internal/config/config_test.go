package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "filedrop.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:3000", cfg.Server.Addr())
	assert.Equal(t, "./uploads", cfg.Storage.Root)
	assert.Equal(t, int64(4<<30), cfg.Storage.MaxUploadBytes)
	assert.Equal(t, 5*time.Second, cfg.Storage.DiskPollInterval)
	assert.Zero(t, cfg.Server.TransferTimeout)
	assert.True(t, cfg.Server.WebDAV)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("UPLOAD_DIR", "/srv/files")
	t.Setenv("MAX_UPLOAD_BYTES", "1048576")
	t.Setenv("TRANSFER_TIMEOUT", "2h")
	t.Setenv("CORS_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("LOG_DEV", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "/srv/files", cfg.Storage.Root)
	assert.Equal(t, int64(1<<20), cfg.Storage.MaxUploadBytes)
	assert.Equal(t, 2*time.Hour, cfg.Server.TransferTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Logging.Development)

	// Untouched values keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := writeYAML(t, `
server:
  port: 9000
  transfer_timeout: 30m
storage:
  root: /data
  disk_poll_interval: 10s
logging:
  level: debug
`)
	t.Setenv("PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, 30*time.Minute, cfg.Server.TransferTimeout)
	assert.Equal(t, "/data", cfg.Storage.Root)
	assert.Equal(t, 10*time.Second, cfg.Storage.DiskPollInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, int64(4<<30), cfg.Storage.MaxUploadBytes)
}

func TestReadFileErrors(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ReadFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, cfg.ReadFile(writeYAML(t, "server:\n  prot: 1\n")))
	assert.Error(t, cfg.ReadFile(writeYAML(t, "server: [")))
	assert.NoError(t, cfg.ReadFile(writeYAML(t, "")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty root", func(c *Config) { c.Storage.Root = " " }},
		{"zero upload ceiling", func(c *Config) { c.Storage.MaxUploadBytes = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"negative timeout", func(c *Config) { c.Server.TransferTimeout = -time.Second }},
		{"zero poll", func(c *Config) { c.Storage.DiskPollInterval = 0 }},
		{"rate limit without rps", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.RequestsPerSecond = 0
	assert.NoError(t, cfg.Validate())
}

func TestSetAddr(t *testing.T) {
	var s ServerConfig
	require.NoError(t, s.SetAddr("127.0.0.1:8080"))
	assert.Equal(t, "127.0.0.1", s.Host)
	assert.Equal(t, 8080, s.Port)

	require.NoError(t, s.SetAddr(":9090"))
	assert.Equal(t, "", s.Host)
	assert.Equal(t, ":9090", s.Addr())

	assert.Error(t, s.SetAddr("nope"))
	assert.Error(t, s.SetAddr("host:http"))
}

func TestStateDirOrDefault(t *testing.T) {
	assert.Equal(t, "/var/lib/filedrop", StorageConfig{StateDir: "/var/lib/filedrop"}.StateDirOrDefault())
	assert.Equal(t, "filedrop", filepath.Base(StorageConfig{}.StateDirOrDefault()))
}
