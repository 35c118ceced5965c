package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the proxy.
type Config struct {
	Host             string        `env:"HOST" envDefault:"0.0.0.0"`
	Port             int           `env:"PORT" envDefault:"5000"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"gemproxy"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	DebugMode        bool          `env:"DEBUG_MODE"`

	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash"`
	GeminiBaseURL string `env:"GEMINI_BASE_URL"`

	Temperature      float32 `env:"GEMINI_TEMPERATURE" envDefault:"1"`
	TopP             float32 `env:"GEMINI_TOP_P" envDefault:"0.95"`
	TopK             float32 `env:"GEMINI_TOP_K" envDefault:"64"`
	MaxOutputTokens  int     `env:"GEMINI_MAX_OUTPUT_TOKENS" envDefault:"8192"`
	ResponseMIMEType string  `env:"GEMINI_RESPONSE_MIME_TYPE" envDefault:"text/plain"`

	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"30s"`
	UploadTimeout   time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"60s"`
	GenerateTimeout time.Duration `env:"GENERATE_TIMEOUT" envDefault:"120s"`
	MaxImageBytes   int64         `env:"MAX_IMAGE_BYTES" envDefault:"20971520"`

	// Zero disables idle eviction and history windowing respectively.
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"0s"`
	HistoryMaxTurns    int           `env:"HISTORY_MAX_TURNS" envDefault:"0"`

	DatabaseURL          string `env:"DATABASE_URL"`
	ArchiveRedactPII     bool   `env:"ARCHIVE_REDACT_PII" envDefault:"true"`
	TranscriptMaxRecords int    `env:"TRANSCRIPT_MAX_RECORDS" envDefault:"200"`
}

// Load reads .env (when present) and the process environment, then validates.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.GeminiAPIKey = strings.TrimSpace(cfg.GeminiAPIKey)
	cfg.GeminiModel = strings.TrimSpace(cfg.GeminiModel)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that env parsing cannot express.
func (c Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.GeminiModel == "" {
		return fmt.Errorf("GEMINI_MODEL must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Port)
	}
	if c.DownloadTimeout <= 0 || c.UploadTimeout <= 0 || c.GenerateTimeout <= 0 {
		return fmt.Errorf("DOWNLOAD_TIMEOUT, UPLOAD_TIMEOUT and GENERATE_TIMEOUT must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES must be positive")
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("GEMINI_MAX_OUTPUT_TOKENS must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("GEMINI_TEMPERATURE must be in [0, 2]")
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("GEMINI_TOP_P must be in [0, 1]")
	}
	if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must not be negative")
	}
	if c.SessionIdleTimeout > 0 && c.SessionIdleTimeout < time.Minute {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be 0 (disabled) or at least 1m")
	}
	if c.TranscriptMaxRecords <= 0 {
		return fmt.Errorf("TRANSCRIPT_MAX_RECORDS must be positive")
	}
	if c.HistoryMaxTurns < 0 {
		return fmt.Errorf("HISTORY_MAX_TURNS must be >= 0")
	}
	return nil
}

// BindAddr is the host:port the HTTP server listens on.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
