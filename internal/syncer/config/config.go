package config

import (
	"errors"
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EnvPrefix is prepended to every environment variable read by Config.
const EnvPrefix = "DIRSYNC_"

// Config holds the application configuration
// See .env.example for more documentation
type Config struct {
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:":4000"`
	Version       string `env:"VERSION" envDefault:"dev"`
	// MCPPort serves the job tools over streamable HTTP when positive.
	MCPPort int `env:"MCP_PORT" envDefault:"0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogConfig string `env:"LOG_CONFIG" envDefault:""`

	// Credentials. The environment source is read before the settings file.
	Region        string        `env:"REGION" envDefault:"NorthAmerica"`
	ClientID      string        `env:"CLIENT_ID" envDefault:""`
	ClientSecret  string        `env:"CLIENT_SECRET" envDefault:""`
	EnvironmentID string        `env:"ENVIRONMENT_ID" envDefault:""`
	PopulationID  string        `env:"POPULATION_ID" envDefault:""`
	SettingsFile  string        `env:"SETTINGS_FILE" envDefault:"data/settings.json"`
	TokenBuffer   time.Duration `env:"TOKEN_BUFFER" envDefault:"5m"`
	// AuthBaseURL and APIBaseURL override the region lookup, mainly for tests and proxies.
	AuthBaseURL string `env:"AUTH_BASE_URL" envDefault:""`
	APIBaseURL  string `env:"API_BASE_URL" envDefault:""`

	Breaker BreakerConfig
	Batch   BatchConfig
}

// BreakerConfig configures the circuit breakers guarding the directory API.
type BreakerConfig struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	ResetTimeout     time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	CallTimeout      time.Duration `env:"BREAKER_CALL_TIMEOUT" envDefault:"30s"`
}

// BatchConfig configures chunking, concurrency and retries for bulk jobs.
type BatchConfig struct {
	ChunkSize    int           `env:"CHUNK_SIZE" envDefault:"100"`
	Concurrency  int           `env:"CONCURRENCY" envDefault:"5"`
	ChunkDelay   time.Duration `env:"CHUNK_DELAY" envDefault:"100ms"`
	MaxRetries   int           `env:"MAX_RETRIES" envDefault:"3"`
	InitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
	Factor       float64       `env:"RETRY_FACTOR" envDefault:"2"`
	MaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	// RateLimit caps outbound directory requests per second; zero disables it.
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"50"`
}

// NewConfig creates a new configuration with default values
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the numeric bounds the bulk engine relies on.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Batch.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("%sCHUNK_SIZE must be positive, got %d", EnvPrefix, cfg.Batch.ChunkSize))
	}
	if cfg.Batch.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("%sCONCURRENCY must be positive, got %d", EnvPrefix, cfg.Batch.Concurrency))
	}
	if cfg.Batch.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%sMAX_RETRIES must not be negative", EnvPrefix))
	}
	if cfg.Batch.Factor < 1 {
		errs = append(errs, fmt.Errorf("%sRETRY_FACTOR must be at least 1", EnvPrefix))
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("%sBREAKER_FAILURE_THRESHOLD must be positive, got %d", EnvPrefix, cfg.Breaker.FailureThreshold))
	}
	if cfg.Breaker.ResetTimeout <= 0 || cfg.Breaker.CallTimeout <= 0 {
		errs = append(errs, errors.New("breaker reset and call timeouts must be positive"))
	}
	if cfg.MCPPort < 0 || cfg.MCPPort > 65535 {
		errs = append(errs, fmt.Errorf("%sMCP_PORT out of range: %d", EnvPrefix, cfg.MCPPort))
	}
	if cfg.TokenBuffer < 0 {
		errs = append(errs, fmt.Errorf("%sTOKEN_BUFFER must not be negative", EnvPrefix))
	}
	return errors.Join(errs...)
}
