package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailtriage.db"`

	// IMAP session limits
	IMAPDialTimeout time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"15s"`
	IMAPAuthTimeout time.Duration `env:"IMAP_AUTH_TIMEOUT" envDefault:"15s"`
	IMAPIdleTimeout time.Duration `env:"IMAP_IDLE_TIMEOUT" envDefault:"60s"`

	// Operation bounds
	FetchTimeout   time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`
	CleanupTimeout time.Duration `env:"CLEANUP_TIMEOUT" envDefault:"10m"`
	FetchLimit     int           `env:"FETCH_LIMIT" envDefault:"10"`
	SMTPTimeout    time.Duration `env:"SMTP_TIMEOUT" envDefault:"30s"`

	// Background polling for serve; 0 disables
	EmailPollInterval time.Duration `env:"EMAIL_POLL_INTERVAL" envDefault:"5m"`

	// Category → folder map; built-in default when empty
	TaxonomyFile string `env:"TAXONOMY_FILE"`

	// Content analysis (optional)
	AnalysisURL     string        `env:"ANALYSIS_URL"`
	AnalysisAPIKey  string        `env:"ANALYSIS_API_KEY"`
	AnalysisTimeout time.Duration `env:"ANALYSIS_TIMEOUT" envDefault:"30s"`
	AnalysisRate    float64       `env:"ANALYSIS_RATE" envDefault:"5"`

	// HTTP API
	APIAddr  string  `env:"API_ADDR" envDefault:":8080"`
	APIKey   string  `env:"API_KEY"`
	APIRate  float64 `env:"API_RATE" envDefault:"10"`
	APIBurst int     `env:"API_BURST" envDefault:"20"`

	// Telegram notifications (optional)
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// AnalysisEnabled returns true if a content-analysis service is configured
func (c *Config) AnalysisEnabled() bool {
	return c.AnalysisURL != ""
}

// TelegramEnabled returns true if Telegram notifications are configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values env tags cannot express
func (c *Config) Validate() error {
	var errs []error

	// 32 bytes for AES-256
	if len(c.EncryptionKey) != 32 {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey)))
	}

	for name, d := range map[string]time.Duration{
		"IMAP_DIAL_TIMEOUT": c.IMAPDialTimeout,
		"IMAP_AUTH_TIMEOUT": c.IMAPAuthTimeout,
		"IMAP_IDLE_TIMEOUT": c.IMAPIdleTimeout,
		"FETCH_TIMEOUT":     c.FetchTimeout,
		"CLEANUP_TIMEOUT":   c.CleanupTimeout,
		"SMTP_TIMEOUT":      c.SMTPTimeout,
		"ANALYSIS_TIMEOUT":  c.AnalysisTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.EmailPollInterval < 0 {
		errs = append(errs, fmt.Errorf("EMAIL_POLL_INTERVAL must not be negative, got %s", c.EmailPollInterval))
	}
	if c.FetchLimit < 1 {
		errs = append(errs, fmt.Errorf("FETCH_LIMIT must be at least 1, got %d", c.FetchLimit))
	}
	if c.AnalysisRate <= 0 {
		errs = append(errs, fmt.Errorf("ANALYSIS_RATE must be positive, got %v", c.AnalysisRate))
	}
	if c.APIRate <= 0 || c.APIBurst < 1 {
		errs = append(errs, fmt.Errorf("API_RATE and API_BURST must be positive, got %v/%d", c.APIRate, c.APIBurst))
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == 0) {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}

	return errors.Join(errs...)
}
