// Package config loads service configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	BaseURL  string
	DBPath   string
	LogLevel string

	StripeSecretKey     string
	StripeWebhookSecret string

	AirtableAPIKey string
	AirtableBaseID string
	AirtableTable  string

	MailgunDomain string
	MailgunAPIKey string
	MailgunSender string
	AdminEmail    string
}

// Load reads the environment. A missing .env file is not an error.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:     getenv("KIOSK_PORT", "12345"),
		BaseURL:  os.Getenv("KIOSK_BASE_URL"),
		DBPath:   getenv("KIOSK_DB_PATH", "kiosk.db"),
		LogLevel: os.Getenv("KIOSK_LOG_LEVEL"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),

		AirtableAPIKey: os.Getenv("AIRTABLE_API_KEY"),
		AirtableBaseID: os.Getenv("AIRTABLE_BASE_ID"),
		AirtableTable:  getenv("AIRTABLE_TABLE", "Subscribers"),

		MailgunDomain: os.Getenv("MAILGUN_DOMAIN"),
		MailgunAPIKey: os.Getenv("MAILGUN_API_KEY"),
		MailgunSender: os.Getenv("MAILGUN_SENDER"),
		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%s", cfg.Port)
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
