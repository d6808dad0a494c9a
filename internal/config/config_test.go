package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EXCHANGE_REST_HOST", "EXCHANGE_WS_HOST", "SYMBOLS", "HTTP_ADDR",
		"METRICS_ADDR", "DATABASE_URL", "NATS_URL", "REDIS_URL", "LOG_LEVEL",
		"WS_EMIT_PARTIALS", "WS_PARTIAL_THROTTLE_MS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ExchangeRESTHost != "api.binance.com" {
		t.Errorf("ExchangeRESTHost = %q", cfg.ExchangeRESTHost)
	}
	if !cfg.WSEmitPartials {
		t.Error("expected WSEmitPartials default true")
	}
	if cfg.WSPartialThrottle != 0 {
		t.Errorf("WSPartialThrottle = %v, want 0", cfg.WSPartialThrottle)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" {
		t.Errorf("Symbols = %v", cfg.Symbols)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("WS_EMIT_PARTIALS", "false")
	t.Setenv("WS_PARTIAL_THROTTLE_MS", "500")
	t.Setenv("SYMBOLS", " btcusdt ,ethusdt")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WSEmitPartials {
		t.Error("expected WSEmitPartials false")
	}
	if cfg.WSPartialThrottle != 500*time.Millisecond {
		t.Errorf("WSPartialThrottle = %v", cfg.WSPartialThrottle)
	}
	if cfg.Symbols[0] != "BTCUSDT" || cfg.Symbols[1] != "ETHUSDT" {
		t.Errorf("Symbols = %v", cfg.Symbols)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}
