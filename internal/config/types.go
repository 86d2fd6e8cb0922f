package config

import (
	"net"
	"strconv"
	"time"
)

// Transport names the protocol used to reach the GraphQL endpoint
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportWS   Transport = "ws"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "GQLCACHE_"

// Config represents the main configuration structure
type Config struct {
	Host             string               `json:"host" yaml:"host" toml:"host" env:"HOST"`
	Port             int                  `json:"port" yaml:"port" toml:"port" env:"PORT"`
	LogLevel         string               `json:"logLevel" yaml:"logLevel" toml:"logLevel" env:"LOG_LEVEL"`
	MaxBodySize      int64                `json:"maxBodySize" yaml:"maxBodySize" toml:"maxBodySize" env:"MAX_BODY_SIZE"`
	Endpoint         string               `json:"endpoint" yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	Headers          map[string]string    `json:"headers" yaml:"headers" toml:"headers" env:"HEADERS"`
	Transport        Transport            `json:"transport" yaml:"transport" toml:"transport" env:"TRANSPORT"`
	RequestTimeout   int                  `json:"requestTimeout" yaml:"requestTimeout" toml:"requestTimeout" env:"REQUEST_TIMEOUT"`       // ms
	RetryMaxAttempts int                  `json:"retryMaxAttempts" yaml:"retryMaxAttempts" toml:"retryMaxAttempts" env:"RETRY_MAX_ATTEMPTS"`
	StatsLogInterval int                  `json:"statsLogInterval" yaml:"statsLogInterval" toml:"statsLogInterval" env:"STATS_LOG_INTERVAL"` // ms, 0 disables
	CircuitBreaker   CircuitBreakerConfig `json:"circuitBreaker" yaml:"circuitBreaker" toml:"circuitBreaker" envPrefix:"CIRCUIT_BREAKER_"`
	Cache            CacheConfig          `json:"cache" yaml:"cache" toml:"cache" envPrefix:"CACHE_"`
}

// CircuitBreakerConfig represents circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	FailureThreshold    int  `json:"failureThreshold" yaml:"failureThreshold" toml:"failureThreshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout     int  `json:"recoveryTimeout" yaml:"recoveryTimeout" toml:"recoveryTimeout" env:"RECOVERY_TIMEOUT"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests" toml:"halfOpenMaxRequests" env:"HALF_OPEN_MAX_REQUESTS"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	TTL                *int        `json:"ttl" yaml:"ttl" toml:"ttl" env:"TTL"` // seconds; unset means DefaultTTL, 0 is valid
	Store              StoreConfig `json:"store" yaml:"store" toml:"store" envPrefix:"STORE_"`
	KeyAlgorithm       string      `json:"keyAlgorithm" yaml:"keyAlgorithm" toml:"keyAlgorithm" env:"KEY_ALGORITHM"`
	KeyMemoSize        int         `json:"keyMemoSize" yaml:"keyMemoSize" toml:"keyMemoSize" env:"KEY_MEMO_SIZE"`
	DisabledOperations []string    `json:"disabledOperations" yaml:"disabledOperations" toml:"disabledOperations" env:"DISABLED_OPERATIONS"`
	PolicyScript       string      `json:"policyScript" yaml:"policyScript" toml:"policyScript" env:"POLICY_SCRIPT"` // path to a JS file
	PolicyTimeout      int         `json:"policyTimeout" yaml:"policyTimeout" toml:"policyTimeout" env:"POLICY_TIMEOUT"` // ms
	SweepInterval      int         `json:"sweepInterval" yaml:"sweepInterval" toml:"sweepInterval" env:"SWEEP_INTERVAL"` // ms, 0 sweeps on every lookup
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Type string `json:"type" yaml:"type" toml:"type" env:"TYPE"`
	Path string `json:"path" yaml:"path" toml:"path" env:"PATH"`
}

// Default values
const (
	DefaultHost             = "localhost"
	DefaultPort             = 8080
	DefaultLogLevel         = "info"
	DefaultMaxBodySize      = int64(0) // 0 means no limit
	DefaultTransport        = TransportHTTP
	DefaultRequestTimeout   = 5000  // ms
	DefaultRetryMaxAttempts = 3
	DefaultStatsLogInterval = 60000 // ms
	DefaultTTL              = 86400 // seconds
	DefaultStoreType        = "memory"
	DefaultFileStorePath    = "./gqlcache-data"
	DefaultSQLiteStorePath  = "./gqlcache.db"
	DefaultKeyAlgorithm     = "rolling"
	DefaultKeyMemoSize      = 1024
	DefaultPolicyTimeout    = 100 // ms

	DefaultFailureThreshold    = 5
	DefaultRecoveryTimeout     = 30000 // ms
	DefaultHalfOpenMaxRequests = 2
)

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetStatsLogIntervalDuration returns stats log interval as time.Duration
func (c *Config) GetStatsLogIntervalDuration() time.Duration {
	return time.Duration(c.StatsLogInterval) * time.Millisecond
}

// GetRecoveryTimeoutDuration returns circuit breaker recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}

// GetTTLDuration returns the cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	if c.TTL == nil {
		return time.Duration(DefaultTTL) * time.Second
	}
	return time.Duration(*c.TTL) * time.Second
}

// GetPolicyTimeoutDuration returns policy script timeout as time.Duration
func (c *CacheConfig) GetPolicyTimeoutDuration() time.Duration {
	return time.Duration(c.PolicyTimeout) * time.Millisecond
}

// GetSweepIntervalDuration returns the minimum gap between sweeps as time.Duration
func (c *CacheConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Millisecond
}
