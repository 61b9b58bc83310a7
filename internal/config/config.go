package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const defaultHomeDataDir = "nidata_data"

// Config struct for environment variables.
type Config struct {
	// Dataset roots, each a colon separated list of directories.
	SharedDataDir string `envconfig:"NILEARN_SHARED_DATA"`
	UserDataDir   string `envconfig:"NIDATA_PATH"`
	HomeDataDir   string `envconfig:"NIDATA_HOME_DIR"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	DBPath    string `envconfig:"DB_PATH" default:"fetches.db"`

	MaxParallel           int           `envconfig:"MAX_PARALLEL" default:"4"`
	ChunkSize             int           `envconfig:"CHUNK_SIZE" default:"8192"`
	MaxBytesPerSec        int64         `envconfig:"MAX_BYTES_PER_SEC" default:"0"`
	ResponseHeaderTimeout time.Duration `envconfig:"RESPONSE_HEADER_TIMEOUT" default:"30s"`
	BearerToken           string        `envconfig:"BEARER_TOKEN"`

	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	KeepSandboxesFor  time.Duration `envconfig:"KEEP_SANDBOXES_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"dataset_fetcher"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.HomeDataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}

		cfg.HomeDataDir = filepath.Join(home, defaultHomeDataDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.MaxParallel <= 0 {
		return fmt.Errorf("max parallel must be positive: %d", c.MaxParallel)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive: %d", c.ChunkSize)
	}

	if c.MaxBytesPerSec < 0 {
		return fmt.Errorf("max bytes per second cannot be negative: %d", c.MaxBytesPerSec)
	}

	if c.MaxBytesPerSec > 0 && c.MaxBytesPerSec < int64(c.ChunkSize) {
		return fmt.Errorf("max bytes per second (%d) must be at least the chunk size (%d)", c.MaxBytesPerSec, c.ChunkSize)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
