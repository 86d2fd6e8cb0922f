package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, applies GQLCACHE_* environment
// overrides and defaults, and validates the result. An empty path means
// environment and defaults only. The format follows the file extension:
// .yaml/.yml, .toml, anything else is JSON.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Transport == "" {
		cfg.Transport = DefaultTransport
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.StatsLogInterval == 0 {
		cfg.StatsLogInterval = DefaultStatsLogInterval
	}

	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = DefaultFailureThreshold
	}
	if cb.RecoveryTimeout == 0 {
		cb.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cb.HalfOpenMaxRequests == 0 {
		cb.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
	}

	c := &cfg.Cache
	if c.TTL == nil {
		ttl := DefaultTTL
		c.TTL = &ttl
	}
	if c.Store.Type == "" {
		c.Store.Type = DefaultStoreType
	}
	if c.Store.Path == "" {
		switch c.Store.Type {
		case "file":
			c.Store.Path = DefaultFileStorePath
		case "sqlite":
			c.Store.Path = DefaultSQLiteStorePath
		}
	}
	if c.KeyAlgorithm == "" {
		c.KeyAlgorithm = DefaultKeyAlgorithm
	}
	if c.KeyMemoSize == 0 {
		c.KeyMemoSize = DefaultKeyMemoSize
	}
	if c.PolicyTimeout == 0 {
		c.PolicyTimeout = DefaultPolicyTimeout
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Transport != TransportHTTP && cfg.Transport != TransportWS {
		return fmt.Errorf("transport must be 'http' or 'ws'")
	}

	if cfg.Endpoint != "" {
		if err := validateEndpoint(cfg.Endpoint, cfg.Transport); err != nil {
			return err
		}
	}

	if cfg.MaxBodySize < 0 {
		return fmt.Errorf("maxBodySize must be non-negative")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}

	if cfg.RetryMaxAttempts < 0 {
		return fmt.Errorf("retryMaxAttempts must be non-negative")
	}

	if cfg.StatsLogInterval < 0 {
		return fmt.Errorf("statsLogInterval must be non-negative")
	}

	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 0 || cb.RecoveryTimeout < 0 || cb.HalfOpenMaxRequests < 0 {
		return fmt.Errorf("circuitBreaker values must be non-negative")
	}

	c := cfg.Cache
	if *c.TTL < 0 {
		return fmt.Errorf("cache.ttl must be non-negative")
	}

	switch c.Store.Type {
	case "memory", "none", "file", "sqlite":
	default:
		return fmt.Errorf("cache.store.type must be one of: memory, file, sqlite, none")
	}

	switch c.KeyAlgorithm {
	case "rolling", "sha3":
	default:
		return fmt.Errorf("cache.keyAlgorithm must be 'rolling' or 'sha3'")
	}

	if c.KeyMemoSize < 0 {
		return fmt.Errorf("cache.keyMemoSize must be non-negative")
	}

	if c.PolicyTimeout < 0 {
		return fmt.Errorf("cache.policyTimeout must be non-negative")
	}

	if c.SweepInterval < 0 {
		return fmt.Errorf("cache.sweepInterval must be non-negative")
	}

	return nil
}

func validateEndpoint(endpoint string, transport Transport) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("endpoint is not a valid URL: %w", err)
	}
	if u.Host == "" {
		return errors.New("endpoint must be an absolute URL")
	}

	switch transport {
	case TransportWS:
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("endpoint scheme must be ws or wss for the ws transport")
		}
	default:
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("endpoint scheme must be http or https for the http transport")
		}
	}
	return nil
}

// RequireEndpoint returns an error if no endpoint is configured
func (c *Config) RequireEndpoint() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	return nil
}
