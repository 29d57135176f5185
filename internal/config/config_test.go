package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"API_BASE_URL", "API_TIMEOUT", "API_TOKEN", "SESSION_ID",
		"ROSTER_INTERVAL", "THREAD_INTERVAL", "ACCESS_INTERVAL", "TYPING_COOLDOWN",
		"REDIS_ADDR", "NATS_URL", "DATABASE_URL", "LISTEN_ADDR", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_TOKEN", "tok")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.Roster != 5*time.Second || cfg.Poll.Thread != 3*time.Second {
		t.Errorf("poll = %+v", cfg.Poll)
	}
	if cfg.Poll.Access != 30*time.Second || cfg.Poll.TypingCooldown != 3*time.Second {
		t.Errorf("poll = %+v", cfg.Poll)
	}
	if cfg.API.Token != "tok" || cfg.API.Timeout != 10*time.Second {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.ListenAddr != ":8080" || cfg.LogLevel != "info" {
		t.Errorf("listen = %q, level = %q", cfg.ListenAddr, cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_TOKEN", "tok")
	t.Setenv("API_BASE_URL", "https://api.example.com")
	t.Setenv("API_TIMEOUT", "2s")
	t.Setenv("ROSTER_INTERVAL", "1s")
	t.Setenv("THREAD_INTERVAL", "500ms")
	t.Setenv("ACCESS_INTERVAL", "1m")
	t.Setenv("TYPING_COOLDOWN", "4s")
	t.Setenv("LISTEN_ADDR", ":9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "https://api.example.com" || cfg.API.Timeout != 2*time.Second {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Poll.Thread != 500*time.Millisecond || cfg.Poll.Access != time.Minute {
		t.Errorf("poll = %+v", cfg.Poll)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen = %q", cfg.ListenAddr)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_TOKEN", "tok")
	t.Setenv("ROSTER_INTERVAL", "soon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "ROSTER_INTERVAL") {
		t.Fatalf("err = %v, want ROSTER_INTERVAL error", err)
	}
}

func TestLoadRequiresCredential(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("expected error without API_TOKEN or SESSION_ID")
	}

	t.Setenv("SESSION_ID", "s1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for SESSION_ID without REDIS_ADDR")
	}

	t.Setenv("REDIS_ADDR", "localhost:6379")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
