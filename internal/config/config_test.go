package config

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("NIDATA_HOME_DIR", "")
	t.Setenv("NIDATA_PATH", "/data/a:/data/b")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, defaultHomeDataDir), cfg.HomeDataDir)
	assert.Equal(t, "/data/a:/data/b", cfg.UserDataDir)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, 8192, cfg.ChunkSize)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero parallel", func(c *Config) { c.MaxParallel = 0 }, true},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }, true},
		{"negative rate", func(c *Config) { c.MaxBytesPerSec = -1 }, true},
		{"rate below chunk", func(c *Config) { c.MaxBytesPerSec = 100 }, true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{MaxParallel: 2, ChunkSize: 8192, LogFormat: "json"}
			tt.mutate(c)

			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, (&Config{LogLevel: "debug"}).SlogLevel())
	assert.Equal(t, slog.LevelWarn, (&Config{LogLevel: "WARN"}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&Config{LogLevel: "nonsense"}).SlogLevel())
}
