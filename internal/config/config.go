package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/maildraft.db"`
	KVStorePath  string `env:"KVSTORE_PATH" envDefault:"./data/maildraft.kv"`

	// IMAP
	IMAPDialTimeout    time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	IMAPCommandTimeout time.Duration `env:"IMAP_COMMAND_TIMEOUT" envDefault:"30s"`
	PoolMaxSessions    int           `env:"POOL_MAX_SESSIONS" envDefault:"20"`
	PoolIdleTimeout    time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"10m"`

	// Monitoring
	MonitorPollInterval time.Duration `env:"MONITOR_POLL_INTERVAL" envDefault:"1m"`
	MonitorMaxRetries   int           `env:"MONITOR_MAX_RETRIES" envDefault:"8"`
	MonitorBackoffCeil  time.Duration `env:"MONITOR_BACKOFF_CEIL" envDefault:"5m"`

	// Jobs
	AMQPURL        string        `env:"AMQP_URL"` // Empty runs the in-process queue
	JobWorkers     int           `env:"JOB_WORKERS" envDefault:"4"`
	JobMaxAttempts int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	JobRetryBase   time.Duration `env:"JOB_RETRY_BASE" envDefault:"5s"`

	// Processing
	LockLeaseTTL       time.Duration `env:"LOCK_LEASE_TTL" envDefault:"2m"`
	GenerateRetries    int           `env:"GENERATE_RETRIES" envDefault:"1"`
	ProfileSampleLimit int           `env:"PROFILE_SAMPLE_LIMIT" envDefault:"50"`

	// Providers
	LLMBaseURL     string        `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMAPIKey      string        `env:"LLM_API_KEY"`
	LLMModel       string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMTimeout     time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`
	EmbedModel     string        `env:"EMBED_MODEL" envDefault:"text-embedding-3-small"`
	VectorBaseURL  string        `env:"VECTOR_BASE_URL" envDefault:"http://localhost:6333"`
	VectorAPIKey   string        `env:"VECTOR_API_KEY"`
	VectorTimeout  time.Duration `env:"VECTOR_TIMEOUT" envDefault:"10s"`
	ExampleLimit   int           `env:"EXAMPLE_LIMIT" envDefault:"5"`
	ScoreThreshold float64       `env:"SCORE_THRESHOLD" envDefault:"0.35"`

	// OAuth token service (optional; password accounts work without it)
	TokenServiceURL     string        `env:"TOKEN_SERVICE_URL"`
	TokenServiceAPIKey  string        `env:"TOKEN_SERVICE_API_KEY"`
	TokenServiceTimeout time.Duration `env:"TOKEN_SERVICE_TIMEOUT" envDefault:"10s"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate encryption key length (32 bytes for AES-256)
	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(cfg.EncryptionKey))
	}

	if cfg.PoolMaxSessions < 1 {
		return nil, fmt.Errorf("POOL_MAX_SESSIONS must be at least 1")
	}
	if cfg.LockLeaseTTL <= 0 {
		return nil, fmt.Errorf("LOCK_LEASE_TTL must be positive")
	}

	return cfg, nil
}
