// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "5m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SessionStoreKind selects the persistence backend for the session cache.
type SessionStoreKind string

const (
	SessionStoreMemory SessionStoreKind = "memory"
	SessionStoreFile   SessionStoreKind = "file"
	SessionStoreRedis  SessionStoreKind = "redis"
)

type Config struct {
	Address string `yaml:"address" validate:"required"`

	// Backend selection for the forwarding proxy. Paths starting with one
	// of HealthPrefixes go to APIBaseURL directly, everything else to
	// APIBaseURL + APIVersionPath.
	APIBaseURL     string   `yaml:"api_base_url" validate:"required,url"`
	APIVersionPath string   `yaml:"api_version_path"`
	HealthPrefixes []string `yaml:"health_prefixes"`

	IngestBaseURL string `yaml:"ingest_base_url" validate:"required,url"`
	AIBaseURL     string `yaml:"ai_base_url" validate:"required,url"`

	// Paths used by the route guard.
	LoginPath   string `yaml:"login_path"`
	LandingPath string `yaml:"landing_path"`

	Session SessionConfig `yaml:"session"`
}

type SessionConfig struct {
	Store    SessionStoreKind `yaml:"store" validate:"omitempty,oneof=memory file redis"`
	FilePath string           `yaml:"file_path"`
	RedisURL string           `yaml:"redis_url"`

	// CheckInterval is how often the expiry watcher re-evaluates the
	// session. GracePeriod suppresses session clearing right after
	// startup. Both are empirically chosen, keep them configurable.
	CheckInterval Duration `yaml:"check_interval"`
	GracePeriod   Duration `yaml:"grace_period"`
}

const (
	DefaultAPIVersionPath = "/api/v1"
	DefaultLoginPath      = "/login"
	DefaultLandingPath    = "/dashboard"
	DefaultCheckInterval  = Duration(5 * time.Minute)
	DefaultGracePeriod    = Duration(5 * time.Second)
)

func (c *Config) applyDefaults() {
	if c.APIVersionPath == "" {
		c.APIVersionPath = DefaultAPIVersionPath
	}
	if len(c.HealthPrefixes) == 0 {
		c.HealthPrefixes = []string{"health", "status"}
	}
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.LandingPath == "" {
		c.LandingPath = DefaultLandingPath
	}
	if c.Session.Store == "" {
		c.Session.Store = SessionStoreMemory
	}
	if c.Session.CheckInterval == 0 {
		c.Session.CheckInterval = DefaultCheckInterval
	}
	if c.Session.GracePeriod == 0 {
		c.Session.GracePeriod = DefaultGracePeriod
	}
}

func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}

	config.applyDefaults()

	validate := validator.New()
	err = validate.Struct(config)
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if config.Session.Store == SessionStoreFile && config.Session.FilePath == "" {
		return nil, fmt.Errorf("session store %q requires file_path", config.Session.Store)
	}
	if config.Session.Store == SessionStoreRedis && config.Session.RedisURL == "" {
		return nil, fmt.Errorf("session store %q requires redis_url", config.Session.Store)
	}

	return &config, nil
}
