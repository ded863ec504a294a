// Package config loads application configuration from environment variables
// and an optional .env file via Viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config groups all runtime settings.
type Config struct {
	App    AppConfig
	HTTP   HTTPConfig
	Store  StoreConfig
	Remote RemoteConfig
	Sync   SyncConfig
}

// AppConfig is general application configuration.
type AppConfig struct {
	Env      string // development, staging, production
	Name     string
	LogLevel string
}

// HTTPConfig configures the local API server.
type HTTPConfig struct {
	Addr string
}

// StoreConfig configures the local SQLite database.
type StoreConfig struct {
	Path string // ":memory:" for ephemeral
}

// RemoteConfig points at the remote system of record.
type RemoteConfig struct {
	BaseURL string
	Token   string // opaque bearer token; issuance is out of scope
	Timeout time.Duration
}

// SyncConfig bounds the sync engine.
type SyncConfig struct {
	Interval        time.Duration // background flush period
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffCap      time.Duration
	FastPathTimeout time.Duration // 0 disables the fast path
}

// Load reads configuration from the environment, with optional .env support.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	// Missing .env is fine; env vars alone are a full configuration.
	_ = v.ReadInConfig()

	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Env:      v.GetString("APP_ENV"),
			Name:     v.GetString("APP_NAME"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		HTTP: HTTPConfig{
			Addr: v.GetString("HTTP_ADDR"),
		},
		Store: StoreConfig{
			Path: v.GetString("STORE_PATH"),
		},
		Remote: RemoteConfig{
			BaseURL: v.GetString("REMOTE_BASE_URL"),
			Token:   v.GetString("REMOTE_TOKEN"),
			Timeout: v.GetDuration("REMOTE_TIMEOUT"),
		},
		Sync: SyncConfig{
			Interval:        v.GetDuration("SYNC_INTERVAL"),
			MaxRetries:      v.GetInt("SYNC_MAX_RETRIES"),
			BackoffBase:     v.GetDuration("SYNC_BACKOFF_BASE"),
			BackoffFactor:   v.GetFloat64("SYNC_BACKOFF_FACTOR"),
			BackoffCap:      v.GetDuration("SYNC_BACKOFF_CAP"),
			FastPathTimeout: v.GetDuration("SYNC_FAST_PATH_TIMEOUT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "ledger-engine")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8090")
	v.SetDefault("STORE_PATH", "./data/ledger.db")
	v.SetDefault("REMOTE_BASE_URL", "")
	v.SetDefault("REMOTE_TOKEN", "")
	v.SetDefault("REMOTE_TIMEOUT", 15*time.Second)
	v.SetDefault("SYNC_INTERVAL", 30*time.Second)
	v.SetDefault("SYNC_MAX_RETRIES", 5)
	v.SetDefault("SYNC_BACKOFF_BASE", 2*time.Second)
	v.SetDefault("SYNC_BACKOFF_FACTOR", 2.0)
	v.SetDefault("SYNC_BACKOFF_CAP", 5*time.Minute)
	v.SetDefault("SYNC_FAST_PATH_TIMEOUT", 3*time.Second)
}

func (c *Config) validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH must not be empty")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be at least 1")
	}
	if c.Sync.BackoffFactor < 1 {
		return fmt.Errorf("SYNC_BACKOFF_FACTOR must be at least 1")
	}
	return nil
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}
