// Package config loads kernel configuration: process settings from the
// environment, gate-policy profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds kernel process configuration.
type Config struct {
	Port     string
	LogLevel string
	// DatabaseURL selects the Postgres backend for decisions, budgets, and
	// the notification outbox. Empty runs the kernel in lite mode on SQLite
	// alone.
	DatabaseURL string
	// EventStorePath is the SQLite event log location for single-node
	// deployments.
	EventStorePath string
	RedisAddr      string

	WebhookURL    string
	WebhookSecret string

	// ResumeTokenSecret signs checkpoint resume tokens. Empty disables
	// token enforcement.
	ResumeTokenSecret string
	ResumeTokenTTL    time.Duration

	// PolicyProfilesDir and PolicyProfile select the gate policy.
	PolicyProfilesDir string
	PolicyProfile     string

	// ExportBucket enables the S3 evidence-pack sink when set.
	ExportBucket string
	ExportRegion string
}

// Load reads configuration from environment variables, applying local
// development defaults.
func Load() *Config {
	cfg := &Config{
		Port:              getenv("PORT", "8080"),
		LogLevel:          getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		EventStorePath:    getenv("EVENT_STORE_PATH", "gauntlet.db"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		WebhookURL:        os.Getenv("WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		ResumeTokenSecret: os.Getenv("RESUME_TOKEN_SECRET"),
		ResumeTokenTTL:    72 * time.Hour,
		PolicyProfilesDir: getenv("POLICY_PROFILES_DIR", "profiles"),
		PolicyProfile:     getenv("POLICY_PROFILE", "default"),
		ExportBucket:      os.Getenv("EXPORT_BUCKET"),
		ExportRegion:      getenv("EXPORT_REGION", "us-east-1"),
	}
	if raw := os.Getenv("RESUME_TOKEN_TTL_HOURS"); raw != "" {
		if hours, err := strconv.Atoi(raw); err == nil && hours > 0 {
			cfg.ResumeTokenTTL = time.Duration(hours) * time.Hour
		}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
