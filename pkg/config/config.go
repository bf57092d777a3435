// Package config loads the control-plane configuration from yaml with
// environment overrides, and watches the flag bootstrap file for changes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vesselhealth/vessel-control/pkg/ratelimit"
	"github.com/vesselhealth/vessel-control/pkg/security"
)

// Config is the root configuration document.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
	Resilience ResilienceConfig `yaml:"resilience"`
	RateLimits []ratelimit.Rule `yaml:"rate_limits"`
	Flags      FlagsConfig      `yaml:"flags"`
	Security   SecurityConfig   `yaml:"security"`
	Upstreams  []UpstreamConfig `yaml:"upstreams"`
}

// ServiceConfig identifies this deployment.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig enables TLS, optionally with client certificate verification.
type TLSConfig struct {
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

// Enabled reports whether the listener should serve TLS.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// StoreConfig selects the shared counter store backend.
type StoreConfig struct {
	// Backend is "redis" or "memory". The memory backend is for development
	// and tests; it gives up cross-instance consistency.
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ResilienceConfig carries the process-wide defaults for wrapped calls.
// Per-upstream overrides live on UpstreamConfig.
type ResilienceConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	AcquireWait      time.Duration `yaml:"acquire_wait"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// FlagsConfig tunes the feature flag engine.
type FlagsConfig struct {
	BootstrapPath string        `yaml:"bootstrap_path"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	StoreTTL      time.Duration `yaml:"store_ttl"`
}

// SecurityConfig groups the request filter and response header settings.
type SecurityConfig struct {
	Filter  security.FilterConfig  `yaml:"filter"`
	Headers security.HeadersConfig `yaml:"headers"`
}

// UpstreamConfig mounts one proxied backend service under a path prefix.
type UpstreamConfig struct {
	Name          string        `yaml:"name"`
	Prefix        string        `yaml:"prefix"`
	URL           string        `yaml:"url"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	// Flag gates the whole upstream behind a feature flag when set.
	Flag string `yaml:"flag"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:        "vessel-control",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				DialTimeout: 5 * time.Second,
			},
		},
		Logging: LoggingConfig{Level: "info"},
		Resilience: ResilienceConfig{
			MaxConcurrent:    32,
			AcquireWait:      100 * time.Millisecond,
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Flags: FlagsConfig{
			CacheTTL: 30 * time.Second,
			StoreTTL: 24 * time.Hour,
		},
	}
}

// Load builds the configuration: defaults, then the yaml file at path (with
// $VAR expansion), then VESSEL_* environment overrides. An empty path skips
// the file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VESSEL_LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("VESSEL_ENVIRONMENT"); v != "" {
		cfg.Service.Environment = v
	}
	if v := os.Getenv("VESSEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VESSEL_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("VESSEL_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("VESSEL_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
}

// Validate rejects configurations the runtime cannot safely start with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	switch c.Store.Backend {
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("config: store.redis.addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Resilience.MaxConcurrent <= 0 {
		return fmt.Errorf("config: resilience.max_concurrent must be positive")
	}
	if c.Resilience.FailureThreshold <= 0 {
		return fmt.Errorf("config: resilience.failure_threshold must be positive")
	}
	for _, rule := range c.RateLimits {
		if strings.TrimSpace(rule.Pattern) == "" {
			return fmt.Errorf("config: rate limit rule missing pattern")
		}
	}
	seen := make(map[string]bool, len(c.Upstreams))
	for _, up := range c.Upstreams {
		if up.Name == "" || up.Prefix == "" || up.URL == "" {
			return fmt.Errorf("config: upstream needs name, prefix and url")
		}
		if seen[up.Prefix] {
			return fmt.Errorf("config: duplicate upstream prefix %s", up.Prefix)
		}
		seen[up.Prefix] = true
	}
	return nil
}
