package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the conference agent
type Config struct {
	// Meeting provisioning endpoint (returns meeting + attendee credentials)
	ProvisioningURL string `envconfig:"PROVISIONING_URL" required:"true"`

	// Transcription backend websocket endpoint
	TranscribeWSURL string `envconfig:"TRANSCRIBE_WS_URL" required:"true"`

	// Language tag sent with each audio chunk (BCP-47)
	TranscribeLanguage string `envconfig:"TRANSCRIBE_LANGUAGE" default:"en-US"`

	// Audio capture configuration
	ChunkIntervalMs int `envconfig:"CHUNK_INTERVAL_MS" default:"250"` // Chunk boundary cadence
	SampleRate      int `envconfig:"SAMPLE_RATE" default:"16000"`     // Capture sample rate (mono s16)

	// Settle delay between output bind and session start
	StartDelayMs int `envconfig:"START_DELAY_MS" default:"500"`

	// Provisioning retry policy; 1 means a single attempt, no automatic retry
	ProvisionMaxAttempts int `envconfig:"PROVISION_MAX_ATTEMPTS" default:"1"`
	ProvisionBackoffMs   int `envconfig:"PROVISION_BACKOFF_MS" default:"250"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable metrics + status HTTP server
	StatusPort     string `envconfig:"STATUS_PORT" default:"8090"`     // Port for /metrics, /health and /status
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.ProvisioningURL == "" {
		return nil, fmt.Errorf("PROVISIONING_URL is required")
	}
	if cfg.TranscribeWSURL == "" {
		return nil, fmt.Errorf("TRANSCRIBE_WS_URL is required")
	}
	if cfg.ChunkIntervalMs <= 0 {
		return nil, fmt.Errorf("CHUNK_INTERVAL_MS must be positive, got %d", cfg.ChunkIntervalMs)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("SAMPLE_RATE must be positive, got %d", cfg.SampleRate)
	}
	if cfg.ProvisionMaxAttempts < 1 {
		cfg.ProvisionMaxAttempts = 1
	}

	return &cfg, nil
}
