// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package config loads the dispatcher service configuration from a YAML
// file with ${VAR} environment expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxline/core/ratelimit"
)

// Duration wraps time.Duration so YAML configs can use "500ms"/"45s"
// syntax.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Redis     RedisConfig      `yaml:"redis"`
	Postgres  PostgresConfig   `yaml:"postgres"`
	Providers []ProviderConfig `yaml:"providers"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Cache     CacheConfig      `yaml:"cache"`
	Queue     QueueConfig      `yaml:"queue"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the shared Redis instance. An empty URL disables
// the remote cache and the distributed rate limiter.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// PostgresConfig configures usage recording. An empty DSN disables it.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// ProviderConfig declares one provider instance.
type ProviderConfig struct {
	// Name is the unique instance name, e.g. "openai-primary".
	Name string `yaml:"name"`

	// Type selects the backend: "openai", "openai-tts", "elevenlabs".
	Type string `yaml:"type"`

	// Role is "primary" or "fallback".
	Role string `yaml:"role"`

	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
	Enabled bool     `yaml:"enabled"`
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	TTL           Duration `yaml:"ttl"`
	MemoryEntries int      `yaml:"memory_entries"`
	MaxValueBytes int      `yaml:"max_value_bytes"`
}

// QueueConfig configures the synthesis worker queue.
type QueueConfig struct {
	Workers  int `yaml:"workers"`
	Capacity int `yaml:"capacity"`
}

// RateLimitConfig configures the distributed rate limiter.
type RateLimitConfig struct {
	Enabled  bool                              `yaml:"enabled"`
	FailOpen bool                              `yaml:"fail_open"`
	Default  ratelimit.Limit                   `yaml:"default"`
	Tenants  map[string]ratelimit.TenantLimits `yaml:"tenants"`
}

// Load reads, expands, parses, and validates the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses config bytes after environment expansion.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = Duration(30 * time.Second)
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(time.Hour)
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 3
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 64
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 2
	}
	if c.RateLimit.Default.Capacity == 0 {
		c.RateLimit.Default = ratelimit.Limit{Capacity: 10, RefillRate: 1.0}
	}
}

var validProviderTypes = map[string]bool{
	"openai":     true,
	"openai-tts": true,
	"elevenlabs": true,
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	primaries := 0
	for i, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.Name == "" {
			return fmt.Errorf("provider %d must have a name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if !validProviderTypes[p.Type] {
			return fmt.Errorf("provider %q has invalid type %q", p.Name, p.Type)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider %q is enabled but has no API key", p.Name)
		}
		switch p.Role {
		case "primary":
			primaries++
		case "fallback":
		default:
			return fmt.Errorf("provider %q has invalid role %q", p.Name, p.Role)
		}
	}
	if primaries == 0 {
		return fmt.Errorf("at least one enabled primary provider is required")
	}
	return nil
}

// envVarRegex matches ${VAR_NAME} with optional ${VAR_NAME:-default}.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		def := ""
		if idx := strings.Index(name, ":-"); idx != -1 {
			def = name[idx+2:]
			name = name[:idx]
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}
