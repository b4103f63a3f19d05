package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port          int           `yaml:"port"`
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // optional; empty disables the audit event log
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // registration state retention
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type PollingConfig struct {
	InitialInterval      time.Duration `yaml:"initial_interval"`
	MaxInterval          time.Duration `yaml:"max_interval"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	MaxDuration          time.Duration `yaml:"max_duration"`
	SuccessResetInterval bool          `yaml:"success_reset_interval"`
}

type RegistrationConfig struct {
	StatusCacheTTL   time.Duration `yaml:"status_cache_ttl"`
	MaxErrorCount    int           `yaml:"max_error_count"`
	ValidateInterval time.Duration `yaml:"validate_interval"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	OrderRetries     int           `yaml:"order_retries"`
	StatusRetries    int           `yaml:"status_retries"`
	CompleteRetries  int           `yaml:"complete_retries"`
	Polling          PollingConfig `yaml:"polling"`
}

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Backend      BackendConfig      `yaml:"backend"`
	Registration RegistrationConfig `yaml:"registration"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.SessionTTL <= 0 {
		cfg.Server.SessionTTL = 30 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = 15 * time.Second
	}
	if cfg.Registration.StatusCacheTTL <= 0 {
		cfg.Registration.StatusCacheTTL = 30 * time.Second
	}
	if cfg.Registration.MaxErrorCount <= 0 {
		cfg.Registration.MaxErrorCount = 3
	}
	if cfg.Registration.ValidateInterval <= 0 {
		cfg.Registration.ValidateInterval = 5 * time.Minute
	}
	if cfg.Registration.Polling.InitialInterval <= 0 {
		cfg.Registration.Polling.InitialInterval = 3 * time.Second
	}
	if cfg.Registration.Polling.MaxInterval <= 0 {
		cfg.Registration.Polling.MaxInterval = 30 * time.Second
	}
	if cfg.Registration.Polling.BackoffMultiplier < 1 {
		cfg.Registration.Polling.BackoffMultiplier = 1.5
	}
	if cfg.Registration.Polling.MaxDuration <= 0 {
		cfg.Registration.Polling.MaxDuration = 10 * time.Minute
	}

	// Minimal validation
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Backend.BaseURL == "" {
		return nil, errors.New("backend.base_url is required")
	}
	if cfg.Server.SessionSecret == "" && !dev {
		return nil, errors.New("server.session_secret is required outside dev mode")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
