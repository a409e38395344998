package common

import (
	"os"
	"strconv"
	"time"

	"github.com/paritoshk/LLM-document-judge/constants"
)

// Config holds all application configuration
type Config struct {
	Anthropic AnthropicConfig
	Datalab   DatalabConfig
	Cache     CacheConfig
	Pipeline  PipelineConfig
	Server    ServerConfig
}

// AnthropicConfig holds inference-related configuration. Model participates
// in cache key construction: changing it invalidates prior stage results.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// DatalabConfig holds layout-extraction (OCR) configuration.
type DatalabConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	MaxPolls     int
	Timeout      time.Duration
}

// CacheConfig holds cache store configuration. SQLitePath is used unless
// PostgresDSN is set.
type CacheConfig struct {
	SQLitePath  string
	PostgresDSN string
	MaxConns    int32
	MinConns    int32
	DialTimeout time.Duration
}

// PipelineConfig holds coordinator tuning.
type PipelineConfig struct {
	MaxVisionPages int
	Workers        int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	PromptVersion  string
}

// ServerConfig holds the dashboard daemon configuration.
type ServerConfig struct {
	HTTPAddr string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			APIKey:      getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:     getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
			Model:       getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			MaxTokens:   getEnvAsInt("ANTHROPIC_MAX_TOKENS", 4000),
			Temperature: 0,
			Timeout:     getEnvAsDuration("ANTHROPIC_TIMEOUT", 120*time.Second),
		},
		Datalab: DatalabConfig{
			APIKey:       getEnv("DATALAB_API_KEY", ""),
			BaseURL:      getEnv("DATALAB_BASE_URL", "https://www.datalab.to/api/v1"),
			PollInterval: getEnvAsDuration("DATALAB_POLL_INTERVAL", constants.DefaultPollInterval),
			MaxPolls:     getEnvAsInt("DATALAB_MAX_POLLS", constants.DefaultMaxPolls),
			Timeout:      getEnvAsDuration("DATALAB_TIMEOUT", 60*time.Second),
		},
		Cache: CacheConfig{
			SQLitePath:  getEnv("CACHE_DB", "./cache/judge.db"),
			PostgresDSN: getEnv("CACHE_PG_DSN", ""),
			MaxConns:    getEnvAsInt32("CACHE_PG_MAX_CONNS", 10),
			MinConns:    getEnvAsInt32("CACHE_PG_MIN_CONNS", 1),
			DialTimeout: getEnvAsDuration("CACHE_PG_DIAL_TIMEOUT", 3*time.Second),
		},
		Pipeline: PipelineConfig{
			MaxVisionPages: getEnvAsInt("MAX_VISION_PAGES", constants.MaxVisionPages),
			Workers:        getEnvAsInt("PIPELINE_WORKERS", 2),
			RetryAttempts:  getEnvAsInt("RETRY_ATTEMPTS", constants.DefaultRetryAttempts),
			RetryBaseDelay: getEnvAsDuration("RETRY_BASE_DELAY", constants.DefaultRetryBaseDelay),
			PromptVersion:  getEnv("PROMPT_VERSION", "v1"),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Anthropic.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "ANTHROPIC_API_KEY is required", ErrUpstreamFatal)
	}
	if c.Datalab.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "DATALAB_API_KEY is required", ErrUpstreamFatal)
	}
	if c.Pipeline.Workers < 1 {
		return NewAppError("CONFIG_ERROR", "PIPELINE_WORKERS must be at least 1", ErrUpstreamFatal)
	}
	return nil
}

// AppError represents application-specific errors outside the stage taxonomy.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func NewAppError(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}
