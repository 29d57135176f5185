// Package config loads daemon settings from the environment. A .env file in
// the working directory is read first when present.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the sync daemon reads at start.
type Config struct {
	API     APIConfig
	Poll    PollConfig
	Redis   RedisConfig
	NATSURL string
	// DatabaseURL enables block reports when set.
	DatabaseURL string
	ListenAddr  string
	LogLevel    string
}

// APIConfig describes the remote API and how to authenticate against it.
type APIConfig struct {
	BaseURL string
	Timeout time.Duration
	// Token is a static bearer token. When empty, SessionID names a Redis
	// session hash written by the host app.
	Token     string
	SessionID string
}

// PollConfig holds the synchronizer cadences.
type PollConfig struct {
	Roster         time.Duration
	Thread         time.Duration
	Access         time.Duration
	TypingCooldown time.Duration
}

// RedisConfig is optional; an empty Addr disables every Redis-backed store.
type RedisConfig struct {
	Addr string
}

// Load reads the configuration. Missing values fall back to defaults;
// malformed durations and an absent credential are errors.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		API: APIConfig{
			BaseURL:   getEnv("API_BASE_URL", "http://localhost:3000"),
			Token:     getEnv("API_TOKEN", ""),
			SessionID: getEnv("SESSION_ID", ""),
		},
		Redis:       RedisConfig{Addr: getEnv("REDIS_ADDR", "")},
		NATSURL:     getEnv("NATS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"API_TIMEOUT", "10s", &cfg.API.Timeout},
		{"ROSTER_INTERVAL", "5s", &cfg.Poll.Roster},
		{"THREAD_INTERVAL", "3s", &cfg.Poll.Thread},
		{"ACCESS_INTERVAL", "30s", &cfg.Poll.Access},
		{"TYPING_COOLDOWN", "3s", &cfg.Poll.TypingCooldown},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", d.key)
		}
		*d.dst = v
	}

	if cfg.API.Token == "" {
		if cfg.API.SessionID == "" {
			return nil, fmt.Errorf("API_TOKEN or SESSION_ID environment variable is required")
		}
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("SESSION_ID requires REDIS_ADDR")
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
