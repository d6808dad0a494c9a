// Package config resolves the livefeed process's environment-variable
// knobs exactly once at startup into a typed Config, so the ingestion,
// exchange and fan-out packages never call os.Getenv for themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every externally tunable setting for the livefeed
// process.
type Config struct {
	ExchangeRESTHost string
	ExchangeWSHost   string
	Symbols          []string

	HTTPAddr    string
	MetricsAddr string

	DatabaseURL string
	NATSURL     string // empty disables NATS fan-out
	RedisURL    string // empty disables the Redis cache

	WSEmitPartials    bool
	WSPartialThrottle time.Duration

	LogLevel string
}

// Load reads and validates the process configuration from the
// environment, applying the documented defaults for anything unset.
func Load() (Config, error) {
	cfg := Config{
		ExchangeRESTHost: getenv("EXCHANGE_REST_HOST", "api.binance.com"),
		ExchangeWSHost:   getenv("EXCHANGE_WS_HOST", "stream.binance.com:9443"),
		Symbols:          splitCSV(getenv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		MetricsAddr:      getenv("METRICS_ADDR", ":9090"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		NATSURL:          os.Getenv("NATS_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
	}

	emitPartials, err := getenvBool("WS_EMIT_PARTIALS", true)
	if err != nil {
		return Config{}, err
	}
	cfg.WSEmitPartials = emitPartials

	throttleMs, err := getenvInt("WS_PARTIAL_THROTTLE_MS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.WSPartialThrottle = time.Duration(throttleMs) * time.Millisecond

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if len(cfg.Symbols) == 0 {
		return Config{}, fmt.Errorf("config: SYMBOLS must list at least one symbol")
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid int for %s: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: invalid bool for %s: %w", key, err)
	}
	return b, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
