// Package config provides configuration loading from a .env file,
// environment variables and command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backend names.
const (
	StorageFile  = "file"
	StorageRedis = "redis"
)

// Retry delay bounds in milliseconds.
const (
	MinRetryDelayMs = 1000
	MaxRetryDelayMs = 60000

	MaxRetryCount = 10
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// API settings
	APIKey string

	// Storage settings
	StorageBackend string
	StorageDir     string
	RedisURL       string
	RedisKeyPrefix string
	RedisPoolSize  int
	RedisTimeout   time.Duration

	// Account pool settings
	SelectionStrategy string
	DefaultRegion     string
	RetryDelayMs      int
	MaxRetries        int
	UsageTracking     bool
	RequestLogging    bool

	// HTTP client settings
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	RequestTimeout      time.Duration

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration in ascending precedence: defaults, an
// optional .env file, environment variables, command-line flags.
// Out-of-range numeric settings are clamped, invalid enums rejected.
func Load() (*Config, error) {
	// Missing .env is fine; it only seeds the environment.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                8080,
		Host:                "0.0.0.0",
		GracefulTimeout:     30 * time.Second,
		StorageBackend:      StorageFile,
		RedisURL:            "redis://localhost:6379",
		RedisKeyPrefix:      "kiro-gateway:",
		RedisPoolSize:       100,
		RedisTimeout:        3 * time.Second,
		SelectionStrategy:   "lowest-usage",
		DefaultRegion:       "us-east-1",
		RetryDelayMs:        5000,
		MaxRetries:          3,
		UsageTracking:       true,
		RequestLogging:      false,
		MaxConns:            100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		RequestTimeout:      0, // streaming
		LogLevel:            "info",
		LogJSON:             true,
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("KIRO_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("KIRO_GATEWAY_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("KIRO_GATEWAY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("KIRO_GATEWAY_STORAGE"); v != "" {
		c.StorageBackend = v
	}
	if v := os.Getenv("KIRO_GATEWAY_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REDIS_KEY_PREFIX"); v != "" {
		c.RedisKeyPrefix = v
	}
	if v := os.Getenv("KIRO_GATEWAY_REDIS_POOL_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.RedisPoolSize = size
		}
	}
	if v := os.Getenv("KIRO_GATEWAY_STRATEGY"); v != "" {
		c.SelectionStrategy = v
	}
	if v := os.Getenv("KIRO_GATEWAY_REGION"); v != "" {
		c.DefaultRegion = v
	}
	if v := os.Getenv("KIRO_GATEWAY_RETRY_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.RetryDelayMs = ms
		}
	}
	if v := os.Getenv("KIRO_GATEWAY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("KIRO_GATEWAY_USAGE_TRACKING"); v != "" {
		c.UsageTracking = v == "true" || v == "1"
	}
	if v := os.Getenv("KIRO_GATEWAY_REQUEST_LOGGING"); v != "" {
		c.RequestLogging = v == "true" || v == "1"
	}
	if v := os.Getenv("KIRO_GATEWAY_MAX_CONNS"); v != "" {
		if conns, err := strconv.Atoi(v); err == nil {
			c.MaxConns = conns
		}
	}
	if v := os.Getenv("KIRO_GATEWAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KIRO_GATEWAY_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("KIRO_GATEWAY_GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "API key for authentication")
	flag.StringVar(&c.StorageBackend, "storage", c.StorageBackend, "Storage backend (file, redis)")
	flag.StringVar(&c.StorageDir, "storage-dir", c.StorageDir, "Directory for file storage")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL")
	flag.StringVar(&c.SelectionStrategy, "strategy", c.SelectionStrategy, "Account selection strategy (sticky, round-robin, lowest-usage)")
	flag.StringVar(&c.DefaultRegion, "region", c.DefaultRegion, "Default AWS region")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
}

// validate rejects invalid enums and clamps numeric ranges.
func (c *Config) validate() error {
	switch c.StorageBackend {
	case StorageFile, StorageRedis:
	default:
		return fmt.Errorf("invalid storage backend %q", c.StorageBackend)
	}

	switch c.SelectionStrategy {
	case "sticky", "round-robin", "lowest-usage":
	default:
		return fmt.Errorf("invalid selection strategy %q", c.SelectionStrategy)
	}

	switch c.DefaultRegion {
	case "us-east-1", "us-west-2":
	default:
		return fmt.Errorf("invalid region %q", c.DefaultRegion)
	}

	if c.RetryDelayMs < MinRetryDelayMs {
		c.RetryDelayMs = MinRetryDelayMs
	}
	if c.RetryDelayMs > MaxRetryDelayMs {
		c.RetryDelayMs = MaxRetryDelayMs
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries > MaxRetryCount {
		c.MaxRetries = MaxRetryCount
	}
	return nil
}

// RetryDelay returns the retry base delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}
