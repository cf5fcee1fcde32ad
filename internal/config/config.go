// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend selectors.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNATS   = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `env:"PORT" envDefault:"8080"`
	Env                string        `env:"ENV" envDefault:"production"`
	ServerReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	ServerWriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"0s"`
	ServerIdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	AllowedOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Storage
	StoreBackend     string `env:"STORE_BACKEND" envDefault:"memory"`
	DatabaseURL      string `env:"DATABASE_URL"`
	DatabaseMaxConns int32  `env:"DATABASE_MAX_CONNS" envDefault:"20"`
	DatabaseMinConns int32  `env:"DATABASE_MIN_CONNS" envDefault:"2"`

	// Context window
	CacheBackend     string        `env:"CACHE_BACKEND" envDefault:"memory"`
	RedisURL         string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	ContextSize      int           `env:"CONTEXT_WINDOW_SIZE" envDefault:"20"`
	ContextTTL       time.Duration `env:"CONTEXT_TTL" envDefault:"30m"`
	ContextKeyPrefix string        `env:"CONTEXT_KEY_PREFIX" envDefault:"chat:context:"`
	ContextBucket    string        `env:"NATS_CONTEXT_BUCKET" envDefault:"CHAT_CONTEXT"`

	// NATS settings
	NATSEnabled  bool   `env:"NATS_ENABLED" envDefault:"false"`
	NATSURL      string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSCAFile   string `env:"NATS_CA_FILE"`
	NATSCertFile string `env:"NATS_CERT_FILE"`
	NATSKeyFile  string `env:"NATS_KEY_FILE"`
	NATSToken    string `env:"NATS_TOKEN"`

	// JWT settings
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	// Generation backend
	GenerationProvider  string  `env:"GENERATION_PROVIDER" envDefault:"agent"`
	AgentBaseURL        string  `env:"AGENT_BASE_URL" envDefault:"http://localhost:8000"`
	AgentTokenPath      string  `env:"AGENT_TOKEN_PATH"`
	OpenAIAPIKey        string  `env:"OPENAI_API_KEY"`
	AnthropicAPIKey     string  `env:"ANTHROPIC_API_KEY"`
	GenerationModel     string  `env:"GENERATION_MODEL"`
	GenerationMaxTokens int     `env:"GENERATION_MAX_TOKENS" envDefault:"4096"`
	GenerationTemp      float64 `env:"GENERATION_TEMPERATURE" envDefault:"0"`

	// Streaming
	StreamTimeout     time.Duration `env:"STREAM_TIMEOUT" envDefault:"5m"`
	StreamSendTimeout time.Duration `env:"STREAM_SEND_TIMEOUT" envDefault:"30s"`
	StreamBuffer      int           `env:"STREAM_BUFFER" envDefault:"64"`
	PersistTimeout    time.Duration `env:"PERSIST_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`

	// Rate limiting
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Tracing
	TracingEnabled  bool   `env:"TRACING_ENABLED" envDefault:"false"`
	TracingEndpoint string `env:"TRACING_ENDPOINT" envDefault:"localhost:4318"`
}

// Load reads a .env file when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backends are fully configured.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis cache"))
		}
	case CacheNATS:
		if !c.NATSEnabled {
			errs = append(errs, errors.New("NATS_ENABLED must be set for the nats cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend))
	}

	switch c.GenerationProvider {
	case "agent":
		if c.AgentBaseURL == "" {
			errs = append(errs, errors.New("AGENT_BASE_URL is required for the agent provider"))
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown GENERATION_PROVIDER %q", c.GenerationProvider))
	}

	if c.ContextSize < 1 {
		errs = append(errs, errors.New("CONTEXT_WINDOW_SIZE must be positive"))
	}
	if c.StreamBuffer < 1 {
		errs = append(errs, errors.New("STREAM_BUFFER must be positive"))
	}
	if c.DatabaseMinConns > c.DatabaseMaxConns {
		errs = append(errs, errors.New("DATABASE_MIN_CONNS exceeds DATABASE_MAX_CONNS"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
