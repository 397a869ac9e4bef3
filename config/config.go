// Package config loads authsession settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ggoodman/authsession-go/internal/logctx"
	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageBolt     = "bolt"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config holds every setting. Defaults are provided via struct tags.
type Config struct {
	// APIBase is the dashboard API root, e.g. "https://dash.example.com".
	APIBase string `env:"AUTHSESSION_API_BASE" validate:"required,url"`

	RefreshInterval time.Duration `env:"AUTHSESSION_REFRESH_INTERVAL,default=5m" validate:"gt=0"`
	ClockSkew       time.Duration `env:"AUTHSESSION_CLOCK_SKEW,default=0s" validate:"gte=0"`
	RenewalTimeout  time.Duration `env:"AUTHSESSION_RENEWAL_TIMEOUT,default=30s" validate:"gt=0"`
	HTTPTimeout     time.Duration `env:"AUTHSESSION_HTTP_TIMEOUT,default=10s" validate:"gt=0"`

	// Storage selects the credential backend.
	Storage     string `env:"AUTHSESSION_STORAGE,default=file" validate:"oneof=memory file bolt redis postgres"`
	StoragePath string `env:"AUTHSESSION_STORAGE_PATH"`
	Namespace   string `env:"AUTHSESSION_NAMESPACE"`
	RedisAddr   string `env:"REDIS_ADDR,default=localhost:6379" validate:"required_if=Storage redis"`
	DatabaseURL string `env:"AUTHSESSION_DATABASE_URL" validate:"required_if=Storage postgres"`

	LogLevel  string `env:"AUTHSESSION_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"AUTHSESSION_LOG_FORMAT,default=text" validate:"oneof=text json"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the given dotenv files (".env" when none are given, ignored if
// missing), decodes the environment and validates the result. Variables
// already set in the environment win over dotenv files.
func Load(files ...string) (*Config, error) {
	if err := loadDotenv(files...); err != nil {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: decode env: %w", err)
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotenv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			file = strings.Replace(file, "~", home, 1)
		}
		if err := godotenv.Load(file); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) setDefaults() error {
	if c.StoragePath != "" || (c.Storage != StorageFile && c.Storage != StorageBolt) {
		return nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("config: no AUTHSESSION_STORAGE_PATH and no user config dir: %w", err)
	}
	c.StoragePath = filepath.Join(dir, "authsession")
	if c.Storage == StorageBolt {
		c.StoragePath = filepath.Join(c.StoragePath, "session.db")
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	if (c.Storage == StorageFile || c.Storage == StorageBolt) && c.StoragePath == "" {
		return fmt.Errorf("config: AUTHSESSION_STORAGE_PATH is required for %s storage", c.Storage)
	}
	return nil
}

// Logger builds a slog logger writing to w according to LogLevel and
// LogFormat, enriched with request and session context.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}
