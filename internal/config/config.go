package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration settings. Every key is read
// with the UD_ prefix, e.g. UD_MAX_CONCURRENT.
type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	HTTPPort    int           `envconfig:"HTTP_PORT" default:"8080"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s"`

	MaxConcurrent  int           `envconfig:"MAX_CONCURRENT" default:"3"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"120s"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	UserAgent      string        `envconfig:"USER_AGENT" default:"download-queue/1.0"`

	DownloadDir       string `envconfig:"DOWNLOAD_DIR" default:"./downloads"`
	AllowPrivateHosts bool   `envconfig:"ALLOW_PRIVATE_HOSTS" default:"false"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"json"`
	StateFile   string `envconfig:"STATE_FILE" default:"./state.json"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./state.db"`

	RetainFinished  int           `envconfig:"RETAIN_FINISHED" default:"100"`
	RetentionWindow time.Duration `envconfig:"RETENTION_WINDOW" default:"24h"`
	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" default:"1m"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent downloads must be positive: %d", c.MaxConcurrent)
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive: %s", c.ReadTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive: %s", c.ConnectTimeout)
	}

	if c.RetainFinished < 0 {
		return fmt.Errorf("retain finished cannot be negative: %d", c.RetainFinished)
	}
	if c.RetentionWindow < 0 {
		return fmt.Errorf("retention window cannot be negative: %s", c.RetentionWindow)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("janitor interval must be positive: %s", c.JanitorInterval)
	}

	if c.DownloadDir == "" {
		return fmt.Errorf("download directory cannot be empty")
	}

	switch c.StoreDriver {
	case "json":
		if c.StateFile == "" {
			return fmt.Errorf("state file cannot be empty")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path cannot be empty")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.StoreDriver)
	}

	return nil
}

// StorePath returns the file backing the selected store driver.
func (c *Config) StorePath() string {
	if c.StoreDriver == "sqlite" {
		return c.SQLitePath
	}
	return c.StateFile
}
