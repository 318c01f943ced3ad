package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	StoreBackendJSON   = "json"
	StoreBackendSQLite = "sqlite"
)

// Config struct for environment variables.
type Config struct {
	StoreBackend string `envconfig:"STORE_BACKEND" default:"json"`
	StorePath    string `envconfig:"STORE_PATH" default:"downloads.json"`
	DownloadDir  string `envconfig:"DOWNLOAD_DIR" required:"true"`

	ChunkSize           int           `envconfig:"CHUNK_SIZE" default:"32768"`
	ProgressLogInterval int64         `envconfig:"PROGRESS_LOG_INTERVAL" default:"104857600"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	UserAgent           string        `envconfig:"USER_AGENT" default:"download_manager"`

	RetainCompleted  bool          `envconfig:"RETAIN_COMPLETED" default:"true"`
	KeepCompletedFor time.Duration `envconfig:"KEEP_COMPLETED_FOR" default:"168h"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	ResumeOnStartup  bool          `envconfig:"RESUME_ON_STARTUP" default:"true"`

	Retry struct {
		MaxAttempts     int           `split_words:"true" default:"3"`
		InitialInterval time.Duration `split_words:"true" default:"5s"`
		MaxInterval     time.Duration `split_words:"true" default:"5m"`
	}

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"download_manager"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StoreBackendJSON, StoreBackendSQLite:
	default:
		return fmt.Errorf("invalid store backend %q: must be %s or %s", c.StoreBackend, StoreBackendJSON, StoreBackendSQLite)
	}

	if strings.TrimSpace(c.DownloadDir) == "" {
		return fmt.Errorf("download dir must not be empty")
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d: must be positive", c.ChunkSize)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("invalid retry max attempts %d: must not be negative", c.Retry.MaxAttempts)
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
