// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database. Optional: stores fall back to in-memory when unset,
	// which also forces single-process leadership semantics.
	DatabaseURL string

	// Leadership
	InstanceID          string        // unique per process; defaults to hostname+pid
	HeartbeatInterval   time.Duration // leader heartbeat period
	AcquireRetryMax     time.Duration // backoff cap while contending for the lock
	AcquireSteady       time.Duration // steady re-acquire period once backoff is exhausted
	LeaderStaleAfter    time.Duration // heartbeat age that triggers forced takeover
	TakeoverCheckPeriod time.Duration // how often a follower inspects the holder

	// Ingestion queue
	QueueCapacity        int
	QueueWorkers         int
	DedupRetention       time.Duration
	FollowerAllowedKinds []string // event kinds processed even as follower

	// Jobs
	DeliveryLease  time.Duration // exclusive delivery claim duration
	StaleJobAfter  time.Duration // running jobs older than this are failed by the sweep
	SweepInterval  time.Duration
	PollerInterval time.Duration

	// Generation provider
	ProviderBaseURL string
	ProviderAPIKey  string

	// Delivery push endpoint (the messaging layer's inbound webhook)
	DeliveryURL    string
	DeliverySecret string // HMAC key for signing pushes

	// Billing
	StripeWebhookSecret string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultQueueCapacity     = 100
	DefaultQueueWorkers      = 3
	DefaultHeartbeat         = 15 * time.Second
	DefaultLeaderStaleAfter  = 5 * time.Minute
	DefaultDeliveryLease     = 2 * time.Minute
	DefaultStaleJobAfter     = 30 * time.Minute
	DefaultSweepInterval     = time.Minute
	DefaultPollerInterval    = 20 * time.Second
	DefaultDedupRetention    = 24 * time.Hour
	DefaultTakeoverCheck     = time.Minute
	DefaultAcquireRetryMax   = 5 * time.Second
	DefaultAcquireSteady     = 75 * time.Second
	DefaultFollowerAllowList = "job.status"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		InstanceID:           getEnv("INSTANCE_ID", defaultInstanceID()),
		HeartbeatInterval:    getEnvDuration("LEADER_HEARTBEAT_INTERVAL", DefaultHeartbeat),
		AcquireRetryMax:      getEnvDuration("LEADER_ACQUIRE_RETRY_MAX", DefaultAcquireRetryMax),
		AcquireSteady:        getEnvDuration("LEADER_ACQUIRE_STEADY", DefaultAcquireSteady),
		LeaderStaleAfter:     getEnvDuration("LEADER_STALE_AFTER", DefaultLeaderStaleAfter),
		TakeoverCheckPeriod:  getEnvDuration("LEADER_TAKEOVER_CHECK", DefaultTakeoverCheck),
		QueueCapacity:        getEnvInt("QUEUE_CAPACITY", DefaultQueueCapacity),
		QueueWorkers:         getEnvInt("QUEUE_WORKERS", DefaultQueueWorkers),
		DedupRetention:       getEnvDuration("DEDUP_RETENTION", DefaultDedupRetention),
		FollowerAllowedKinds: splitList(getEnv("FOLLOWER_ALLOWED_EVENTS", DefaultFollowerAllowList)),
		DeliveryLease:        getEnvDuration("DELIVERY_LEASE", DefaultDeliveryLease),
		StaleJobAfter:        getEnvDuration("STALE_JOB_AFTER", DefaultStaleJobAfter),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		PollerInterval:       getEnvDuration("POLLER_INTERVAL", DefaultPollerInterval),
		ProviderBaseURL:      os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:       os.Getenv("PROVIDER_API_KEY"),
		DeliveryURL:          os.Getenv("DELIVERY_URL"),
		DeliverySecret:       os.Getenv("DELIVERY_SECRET"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive")
	}
	if c.QueueWorkers <= 0 {
		return fmt.Errorf("QUEUE_WORKERS must be positive")
	}
	if c.HeartbeatInterval >= c.LeaderStaleAfter {
		return fmt.Errorf("LEADER_HEARTBEAT_INTERVAL must be well below LEADER_STALE_AFTER")
	}
	if c.DeliveryLease >= c.StaleJobAfter {
		return fmt.Errorf("DELIVERY_LEASE must be below STALE_JOB_AFTER")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "muse"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
