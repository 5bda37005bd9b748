// Package config validates and loads the broker's environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avery-oss/signalbroker/internal/logging"
	"github.com/ulule/limiter/v3"
)

// Config holds validated environment configuration (spec.md §6).
type Config struct {
	Host string
	Port string

	MaxPayloadBytes   int
	MaxClients        int
	MaxRoomClients    int
	MessageRatePerSec float64
	MessageBurst      int
	HeartbeatInterval time.Duration

	WSSecret       string
	AllowedOrigins []string

	GoEnv    string
	LogLevel string

	RedisEnabled bool
	RedisAddr    string
	RedisPass    string

	OTLPEndpoint string

	ShutdownGracePeriod time.Duration

	// HTTPRateLimit is a ulule/limiter formatted rate (e.g. "60-M") applied
	// per source IP to the HTTP status surface (/status, /healthz, /readyz,
	// /metrics), distinct from the per-client token bucket on the WS frame
	// path.
	HTTPRateLimit string
}

// ValidateEnv validates all environment variables and returns a Config.
// It collects every validation error before returning, matching the
// fail-fast-with-a-full-report style used across this codebase.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Host = getEnvOrDefault("HOST", "0.0.0.0")
	cfg.Port = getEnvOrDefault("PORT", "3000")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.MaxPayloadBytes = getEnvIntOrDefault("MAX_PAYLOAD", 65536, &errs)
	cfg.MaxClients = getEnvIntOrDefault("MAX_CLIENTS", 1000, &errs)
	cfg.MaxRoomClients = getEnvIntOrDefault("MAX_ROOM_CLIENTS", 50, &errs)
	cfg.MessageRatePerSec = getEnvFloatOrDefault("MESSAGE_RATE_PER_SEC", 10, &errs)
	cfg.MessageBurst = getEnvIntOrDefault("MESSAGE_BURST", 20, &errs)

	heartbeatMS := getEnvIntOrDefault("HEARTBEAT_INTERVAL", 30000, &errs)
	cfg.HeartbeatInterval = time.Duration(heartbeatMS) * time.Millisecond

	cfg.WSSecret = os.Getenv("WS_SECRET")
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		cfg.RedisPass = os.Getenv("REDIS_PASSWORD")
	}

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	gracePeriodMS := getEnvIntOrDefault("SHUTDOWN_GRACE_PERIOD_MS", 5000, &errs)
	cfg.ShutdownGracePeriod = time.Duration(gracePeriodMS) * time.Millisecond

	cfg.HTTPRateLimit = getEnvOrDefault("HTTP_RATE_LIMIT", "60-M")
	if _, err := limiter.NewRateFromFormatted(cfg.HTTPRateLimit); err != nil {
		errs = append(errs, fmt.Sprintf("HTTP_RATE_LIMIT must be a ulule/limiter formatted rate such as '60-M' (got '%s')", cfg.HTTPRateLimit))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func getEnvFloatOrDefault(key string, defaultValue float64, errs *[]string) float64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive number (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("configuration validated",
		"host", cfg.Host,
		"port", cfg.Port,
		"max_payload", cfg.MaxPayloadBytes,
		"max_clients", cfg.MaxClients,
		"max_room_clients", cfg.MaxRoomClients,
		"message_rate_per_sec", cfg.MessageRatePerSec,
		"message_burst", cfg.MessageBurst,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"ws_secret", logging.RedactSecret(cfg.WSSecret),
		"allowed_origins", cfg.AllowedOrigins,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"redis_enabled", cfg.RedisEnabled,
		"http_rate_limit", cfg.HTTPRateLimit,
	)
}
