// Package config loads billingd configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string
	BaseURL     string

	StripeAPIKey        string
	StripeWebhookSecret string

	// Price identifiers for each tier/interval pair. Money-relevant config is
	// required and never defaulted.
	PriceProMonth        string
	PriceProYear         string
	PriceEnterpriseMonth string
	PriceEnterpriseYear  string

	DirectoryBaseURL string
	DirectoryToken   string

	TrialDays        int
	RefundWindowDays int
}

// StoreDir returns the directory holding the local billing database.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "billing")
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8443)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("BILLING_TRIAL_DAYS", 14)
	if err != nil {
		return nil, err
	}
	refundWindowDays, err := envOrDefaultInt("BILLING_REFUND_WINDOW_DAYS", 30)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:     envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress: envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		AdminKey:    strings.TrimSpace(os.Getenv("BILLING_ADMIN_KEY")),
		BaseURL:     strings.TrimSpace(os.Getenv("BILLING_BASE_URL")),

		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),

		PriceProMonth:        strings.TrimSpace(os.Getenv("STRIPE_PRICE_PRO_MONTH")),
		PriceProYear:         strings.TrimSpace(os.Getenv("STRIPE_PRICE_PRO_YEAR")),
		PriceEnterpriseMonth: strings.TrimSpace(os.Getenv("STRIPE_PRICE_ENTERPRISE_MONTH")),
		PriceEnterpriseYear:  strings.TrimSpace(os.Getenv("STRIPE_PRICE_ENTERPRISE_YEAR")),

		DirectoryBaseURL: strings.TrimSpace(os.Getenv("DIRECTORY_BASE_URL")),
		DirectoryToken:   strings.TrimSpace(os.Getenv("DIRECTORY_API_TOKEN")),

		TrialDays:        trialDays,
		RefundWindowDays: refundWindowDays,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "BILLING_ADMIN_KEY")
	}
	if c.BaseURL == "" {
		missing = append(missing, "BILLING_BASE_URL")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.PriceProMonth == "" {
		missing = append(missing, "STRIPE_PRICE_PRO_MONTH")
	}
	if c.PriceProYear == "" {
		missing = append(missing, "STRIPE_PRICE_PRO_YEAR")
	}
	if c.PriceEnterpriseMonth == "" {
		missing = append(missing, "STRIPE_PRICE_ENTERPRISE_MONTH")
	}
	if c.PriceEnterpriseYear == "" {
		missing = append(missing, "STRIPE_PRICE_ENTERPRISE_YEAR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TrialDays < 1 {
		return fmt.Errorf("BILLING_TRIAL_DAYS must be at least 1, got %d", c.TrialDays)
	}
	if c.RefundWindowDays < 1 {
		return fmt.Errorf("BILLING_REFUND_WINDOW_DAYS must be at least 1, got %d", c.RefundWindowDays)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("BILLING_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("BILLING_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("BILLING_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return v, nil
}
