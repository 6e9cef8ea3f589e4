package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// AllowedOrigins is the browser Origin allow-list for stream opens.
	// Empty means any origin is accepted; an absent Origin header is always
	// accepted so that non-browser clients can connect.
	AllowedOrigins []string

	// MaxStreamsPerAddr caps concurrently open event streams per source address.
	MaxStreamsPerAddr int

	SessionTTL        time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration

	UpstreamURL       string
	UpstreamModel     string
	UpstreamAPIKey    string
	HandshakeTimeout  time.Duration
	SystemInstruction string

	// OutputSampleRate is the PCM rate assumed for upstream audio when the
	// chunk mime type does not declare one.
	OutputSampleRate int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "iris"),
		AllowedOrigins:    splitList(os.Getenv("APP_ALLOWED_ORIGINS")),
		MaxStreamsPerAddr: 5,
		SessionTTL:        30 * time.Minute,
		SweepInterval:     5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		UpstreamURL:       envOrDefault("UPSTREAM_WS_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		UpstreamModel:     envOrDefault("UPSTREAM_MODEL", "models/gemini-2.0-flash-live-001"),
		UpstreamAPIKey:    stringsTrimSpace("UPSTREAM_API_KEY"),
		HandshakeTimeout:  15 * time.Second,
		SystemInstruction: envOrDefault("APP_SYSTEM_INSTRUCTION", ""),
		OutputSampleRate:  24000,
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:   15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("APP_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("APP_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeTimeout, err = durationFromEnv("UPSTREAM_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxStreamsPerAddr, err = intFromEnv("APP_MAX_STREAMS_PER_ADDR", cfg.MaxStreamsPerAddr)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("APP_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < time.Minute {
		return Config{}, fmt.Errorf("APP_SESSION_TTL must be at least 1m")
	}
	if cfg.SweepInterval < time.Second {
		return Config{}, fmt.Errorf("APP_SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.HeartbeatInterval < time.Second {
		return Config{}, fmt.Errorf("APP_HEARTBEAT_INTERVAL must be at least 1s")
	}
	if cfg.HandshakeTimeout < time.Second {
		return Config{}, fmt.Errorf("UPSTREAM_HANDSHAKE_TIMEOUT must be at least 1s")
	}
	if cfg.MaxStreamsPerAddr <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_STREAMS_PER_ADDR must be positive")
	}
	if cfg.OutputSampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_OUTPUT_SAMPLE_RATE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
