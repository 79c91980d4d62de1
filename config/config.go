// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL   string
	SessionSecret string

	CacheDir string
	CacheTTL time.Duration

	LogLevel  string
	LogFormat string

	NotifyGap   time.Duration
	SettleDelay time.Duration

	MetricsAddr string
}

// Load reads the environment, after folding in .env if one exists. Only the
// database URL and session secret are mandatory.
func Load() (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SessionSecret: os.Getenv("SESSION_SECRET"),
		CacheDir:      envOr("CACHE_DIR", "data/cache"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "json"),
		MetricsAddr:   envOr("METRICS_ADDR", ":9180"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("config: SESSION_SECRET is required")
	}

	ttlDays, err := envInt("CACHE_TTL_DAYS", 30)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheTTL = time.Duration(ttlDays) * 24 * time.Hour

	notifyGapMS, err := envInt("NOTIFY_GAP_MS", 2000)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyGap = time.Duration(notifyGapMS) * time.Millisecond

	settleMS, err := envInt("SETTLE_DELAY_MS", 1000)
	if err != nil {
		return Config{}, err
	}
	cfg.SettleDelay = time.Duration(settleMS) * time.Millisecond

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
