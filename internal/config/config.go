package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the conversation service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, X-Client-ID header is accepted.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres", "mongo", or "memory"

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Cache backend type for send receipts.
	CacheType string // "redis", "infinispan", "local", or "none"

	// Send receipt TTL.
	CacheTTL time.Duration

	// Maximum number of receipts held by the local cache.
	CacheMaxEntries int64

	// Redis
	RedisURL string

	// Infinispan, reached over its RESP endpoint with go-redis.
	InfinispanHost           string // host:port (e.g. "localhost:11222")
	InfinispanUsername       string
	InfinispanPassword       string
	InfinispanStartupTimeout time.Duration

	// Outbox events publisher.
	EventsType string // "log" or "kafka"

	// Kafka
	KafkaBrokers         string // comma-separated host:port list
	KafkaTopic           string
	KafkaWriteTimeout    time.Duration
	KafkaAutoCreateTopic bool

	// Outbox task processor.
	TaskProcessorInterval  time.Duration
	TaskProcessorBatchSize int
	TaskRetryDelay         time.Duration

	// Message sending.
	SendMaxAttempts  int
	SendRetryBackoff time.Duration

	// RevokeTimeLimit is how long, in minutes, a sender may revoke a message after sending it.
	RevokeTimeLimit int

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=conversation-service".
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or CONVERSATION_SERVICE_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	// Disabled by default to suppress high-frequency probe noise from the access log.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Security
	// APIKeys maps API key values to client IDs (CONVERSATION_SERVICE_API_KEYS_<CLIENT_ID>=<key>).
	APIKeys       map[string]string // key value → clientId
	AdminOIDCRole string
	AdminUsers    string
	AdminClients  string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                     ModeProd,
		DatastoreType:            "postgres",
		DatastoreMigrateAtStart:  true,
		DBMaxOpenConns:           25,
		DBMaxIdleConns:           5,
		CacheType:                "none",
		CacheTTL:                 10 * time.Minute,
		CacheMaxEntries:          100_000,
		InfinispanStartupTimeout: 30 * time.Second,
		EventsType:               "log",
		KafkaTopic:               "conversation-events",
		KafkaWriteTimeout:        10 * time.Second,
		TaskProcessorInterval:    time.Minute,
		TaskProcessorBatchSize:   100,
		TaskRetryDelay:           10 * time.Minute,
		SendMaxAttempts:          4,
		SendRetryBackoff:         200 * time.Millisecond,
		RevokeTimeLimit:          2,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:   1024 * 1024,
		DrainTimeout:  30,
		AdminOIDCRole: "admin",
	}
}

// RevokeWindow returns RevokeTimeLimit as a duration.
func (c *Config) RevokeWindow() time.Duration {
	if c == nil || c.RevokeTimeLimit <= 0 {
		return 0
	}
	return time.Duration(c.RevokeTimeLimit) * time.Minute
}
