// Package config loads latch settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultLeaseDuration is the lease granted to KV locks.
	DefaultLeaseDuration = 10 * time.Second

	// DefaultReleaseWorkers bounds concurrent delayed releases.
	DefaultReleaseWorkers = 10

	// DefaultZKSessionTimeout is the ZooKeeper session timeout.
	DefaultZKSessionTimeout = 10 * time.Second

	// DefaultZKNamespace prefixes every ZooKeeper path.
	DefaultZKNamespace = "/ZKLocks-NameSpace"

	// DefaultZKRetryInterval is the first backoff step when connecting.
	DefaultZKRetryInterval = time.Second

	// DefaultZKMaxRetries caps connection attempts.
	DefaultZKMaxRetries = 5
)

// Config holds the latch configuration.
type Config struct {
	// RedisAddr is the host:port of the KV store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LeaseDuration is the lease for KV locks. Loaded in whole seconds.
	LeaseDuration time.Duration

	// ReleaseDelay postpones releases when positive.
	ReleaseDelay time.Duration

	// ReleaseWorkers is the size of the delayed release pool.
	ReleaseWorkers int

	// ZKServers lists the coordination endpoints.
	ZKServers        []string
	ZKSessionTimeout time.Duration
	ZKNamespace      string
	ZKRetryInterval  time.Duration
	ZKMaxRetries     int

	// AcquireMaxAttempts bounds GetLock retries. Zero retries forever.
	AcquireMaxAttempts int

	LogLevel  string
	LogPretty bool

	// HTTPAddr is the listen address of latchd.
	HTTPAddr string

	// Bus selects the release notification transport: memory, redis, nats or kafka.
	Bus          string
	NATSURL      string
	KafkaBrokers []string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		RedisAddr:          getEnvOrDefault("LATCH_REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("LATCH_REDIS_PASSWORD"),
		RedisDB:            getEnvIntOrDefault("LATCH_REDIS_DB", 0),
		LeaseDuration:      time.Duration(getEnvIntOrDefault("LATCH_LEASE_SECONDS", int(DefaultLeaseDuration/time.Second))) * time.Second,
		ReleaseDelay:       getEnvDurationOrDefault("LATCH_RELEASE_DELAY", 0),
		ReleaseWorkers:     getEnvIntOrDefault("LATCH_RELEASE_WORKERS", DefaultReleaseWorkers),
		ZKServers:          getEnvListOrDefault("LATCH_ZK_SERVERS", []string{"localhost:2181"}),
		ZKSessionTimeout:   getEnvDurationOrDefault("LATCH_ZK_SESSION_TIMEOUT", DefaultZKSessionTimeout),
		ZKNamespace:        getEnvOrDefault("LATCH_ZK_NAMESPACE", DefaultZKNamespace),
		ZKRetryInterval:    getEnvDurationOrDefault("LATCH_ZK_RETRY_INTERVAL", DefaultZKRetryInterval),
		ZKMaxRetries:       getEnvIntOrDefault("LATCH_ZK_MAX_RETRIES", DefaultZKMaxRetries),
		AcquireMaxAttempts: getEnvIntOrDefault("LATCH_ACQUIRE_MAX_ATTEMPTS", 0),
		LogLevel:           getEnvOrDefault("LATCH_LOG_LEVEL", "info"),
		LogPretty:          getEnvBoolOrDefault("LATCH_LOG_PRETTY", false),
		HTTPAddr:           getEnvOrDefault("LATCH_HTTP_ADDR", ":8080"),
		Bus:                getEnvOrDefault("LATCH_BUS", "memory"),
		NATSURL:            getEnvOrDefault("LATCH_NATS_URL", "nats://127.0.0.1:4222"),
		KafkaBrokers:       getEnvListOrDefault("LATCH_KAFKA_BROKERS", []string{"localhost:9092"}),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("lease duration must be positive, got %s", c.LeaseDuration))
	}
	if c.ReleaseDelay < 0 {
		errs = append(errs, fmt.Errorf("release delay must not be negative, got %s", c.ReleaseDelay))
	}
	if c.ReleaseWorkers <= 0 {
		errs = append(errs, fmt.Errorf("release workers must be positive, got %d", c.ReleaseWorkers))
	}
	if len(c.ZKServers) == 0 {
		errs = append(errs, errors.New("at least one zookeeper server is required"))
	}
	if c.ZKSessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("zookeeper session timeout must be positive, got %s", c.ZKSessionTimeout))
	}
	if c.ZKNamespace != "" && !strings.HasPrefix(c.ZKNamespace, "/") {
		errs = append(errs, fmt.Errorf("zookeeper namespace must start with '/', got %q", c.ZKNamespace))
	}
	if c.ZKMaxRetries < 0 || c.AcquireMaxAttempts < 0 {
		errs = append(errs, errors.New("retry counts must not be negative"))
	}
	switch c.Bus {
	case "memory", "redis", "nats", "kafka":
	default:
		errs = append(errs, fmt.Errorf("unknown bus %q", c.Bus))
	}
	return errors.Join(errs...)
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go duration strings ("1500ms", "2s").
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
