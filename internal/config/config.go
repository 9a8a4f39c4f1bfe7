// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Session liveness settings. A session with no heartbeat for
	// StaleThreshold turns stale; stale for longer than ExpiryThreshold
	// minus StaleThreshold gets expired and removed.
	StaleThreshold  time.Duration
	ExpiryThreshold time.Duration
	SweepInterval   time.Duration

	// Broadcast bus settings.
	SubscriberBuffer int           // per-subscriber delivery buffer capacity
	PublishLimit     int           // events per source per PublishWindow
	PublishWindow    time.Duration // rolling quota window

	// Context cache settings.
	CacheCapacity int
	CacheTTL      time.Duration
	FetchTimeout  time.Duration
	QueryLimit    int // default matched-item count per query

	// Content source settings.
	ContentBackend string // "sqlite", "postgres", "qdrant", or "none"
	SQLitePath     string
	PostgresURL    string
	QdrantURL      string
	QdrantAPIKey   string
	QdrantColl     string
	QdrantDims     int

	// Embedding settings for the qdrant content backend. With no OpenAI
	// key a deterministic hash embedder is used (dev only).
	OpenAIAPIKey   string
	EmbeddingModel string

	// Session token settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	TokenTTL          time.Duration

	// RegistrationKeyHash, when non-empty, gates POST /v1/sessions behind
	// a shared key (Argon2id encoded hash, see internal/auth).
	RegistrationKeyHash string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("RENKEI_PORT", 8080),
		ReadTimeout:         envDuration("RENKEI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("RENKEI_WRITE_TIMEOUT", 30*time.Second),
		StaleThreshold:      envDuration("RENKEI_STALE_THRESHOLD", 15*time.Second),
		ExpiryThreshold:     envDuration("RENKEI_EXPIRY_THRESHOLD", 60*time.Second),
		SweepInterval:       envDuration("RENKEI_SWEEP_INTERVAL", 5*time.Second),
		SubscriberBuffer:    envInt("RENKEI_SUBSCRIBER_BUFFER", 256),
		PublishLimit:        envInt("RENKEI_PUBLISH_LIMIT", 120),
		PublishWindow:       envDuration("RENKEI_PUBLISH_WINDOW", time.Minute),
		CacheCapacity:       envInt("RENKEI_CACHE_CAPACITY", 512),
		CacheTTL:            envDuration("RENKEI_CACHE_TTL", 5*time.Minute),
		FetchTimeout:        envDuration("RENKEI_FETCH_TIMEOUT", 10*time.Second),
		QueryLimit:          envInt("RENKEI_QUERY_LIMIT", 20),
		ContentBackend:      envStr("RENKEI_CONTENT_BACKEND", "sqlite"),
		SQLitePath:          envStr("RENKEI_SQLITE_PATH", "renkei-content.db"),
		PostgresURL:         envStr("RENKEI_POSTGRES_URL", ""),
		QdrantURL:           envStr("QDRANT_URL", ""),
		QdrantAPIKey:        envStr("QDRANT_API_KEY", ""),
		QdrantColl:          envStr("RENKEI_QDRANT_COLLECTION", "documents"),
		QdrantDims:          envInt("RENKEI_QDRANT_DIMENSIONS", 1024),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:      envStr("RENKEI_EMBEDDING_MODEL", "text-embedding-3-small"),
		JWTPrivateKeyPath:   envStr("RENKEI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("RENKEI_JWT_PUBLIC_KEY", ""),
		TokenTTL:            envDuration("RENKEI_TOKEN_TTL", 24*time.Hour),
		RegistrationKeyHash: envStr("RENKEI_REGISTRATION_KEY_HASH", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "renkei"),
		LogLevel:            envStr("RENKEI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("RENKEI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the registry, bus, and cache rely on.
func (c Config) Validate() error {
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("config: RENKEI_STALE_THRESHOLD must be positive")
	}
	if c.ExpiryThreshold <= c.StaleThreshold {
		return fmt.Errorf("config: RENKEI_EXPIRY_THRESHOLD (%s) must exceed RENKEI_STALE_THRESHOLD (%s)",
			c.ExpiryThreshold, c.StaleThreshold)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: RENKEI_SWEEP_INTERVAL must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: RENKEI_SUBSCRIBER_BUFFER must be positive")
	}
	if c.PublishLimit <= 0 || c.PublishWindow <= 0 {
		return fmt.Errorf("config: publish quota requires positive RENKEI_PUBLISH_LIMIT and RENKEI_PUBLISH_WINDOW")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("config: RENKEI_CACHE_CAPACITY must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: RENKEI_CACHE_TTL must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("config: RENKEI_FETCH_TIMEOUT must be positive")
	}
	switch c.ContentBackend {
	case "sqlite", "postgres", "qdrant", "none":
	default:
		return fmt.Errorf("config: unknown RENKEI_CONTENT_BACKEND %q (want sqlite, postgres, qdrant, or none)", c.ContentBackend)
	}
	if c.ContentBackend == "postgres" && c.PostgresURL == "" {
		return fmt.Errorf("config: RENKEI_POSTGRES_URL is required for the postgres content backend")
	}
	if c.ContentBackend == "qdrant" && c.QdrantURL == "" {
		return fmt.Errorf("config: QDRANT_URL is required for the qdrant content backend")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: RENKEI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
