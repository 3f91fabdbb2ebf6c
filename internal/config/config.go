// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as the broadcast port, data paths, upstream credentials, feed tuning,
// logging, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// TwitchConfig holds upstream credentials and endpoints for the event feed.
// When Credentials() is false the daemon runs without a feed connection and
// only serves the broadcast surface.
type TwitchConfig struct {
	ClientID      string // TWITCH_CLIENT_ID
	AccessToken   string // TWITCH_ACCESS_TOKEN
	BroadcasterID string // TWITCH_BROADCASTER_ID
	EventSubURL   string // TWITCH_EVENTSUB_URL (override for tests/relays)
	HelixURL      string // TWITCH_HELIX_URL (override for tests/relays)
}

// Credentials reports whether a feed connection can be attempted.
func (t TwitchConfig) Credentials() bool {
	return t.ClientID != "" && t.AccessToken != "" && t.BroadcasterID != ""
}

// FeedConfig tunes the event feed connection lifecycle.
type FeedConfig struct {
	HandshakeTimeout time.Duration // FEED_HANDSHAKE_TIMEOUT
	KeepaliveTimeout time.Duration // FEED_KEEPALIVE_TIMEOUT
	BackoffBase      time.Duration // FEED_BACKOFF_BASE
	MaxAttempts      int           // FEED_MAX_ATTEMPTS
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "overlayd")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the daemon.
type Config struct {
	// Broadcast server
	BroadcastPort int // preferred port; the persisted setting wins when present

	// Paths
	DataDir  string // document store root (templates, mappings, cache)
	AssetDir string // root for audio/image assets referenced by mappings

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Upstream feed
	Twitch TwitchConfig
	Feed   FeedConfig

	// Rate limiting (local JSON API)
	RateRPS   float64 // tokens per second (>= 0; 0 disables)
	RateBurst int     // bucket size (>= 1)

	// CORS: extra allowed origins beyond localhost (CORS_ALLOWED_ORIGINS, CSV)
	CORSAllowedOrigins []string

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Broadcast server
		BroadcastPort: getint("PORT", 8200),

		// Paths
		DataDir:  getenv("DATA_DIR", "data"),
		AssetDir: getenv("ASSET_DIR", "assets"),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Upstream feed
		Twitch: TwitchConfig{
			ClientID:      getenv("TWITCH_CLIENT_ID", ""),
			AccessToken:   getenv("TWITCH_ACCESS_TOKEN", ""),
			BroadcasterID: getenv("TWITCH_BROADCASTER_ID", ""),
			EventSubURL:   getenv("TWITCH_EVENTSUB_URL", ""),
			HelixURL:      getenv("TWITCH_HELIX_URL", ""),
		},
		Feed: FeedConfig{
			HandshakeTimeout: getdur("FEED_HANDSHAKE_TIMEOUT", 30*time.Second),
			KeepaliveTimeout: getdur("FEED_KEEPALIVE_TIMEOUT", 0),
			BackoffBase:      getdur("FEED_BACKOFF_BASE", time.Second),
			MaxAttempts:      getint("FEED_MAX_ATTEMPTS", 5),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 10.0),
		RateBurst: getint("RATE_BURST", 20),

		// CORS
		CORSAllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "overlayd"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if cfg.BroadcastPort < 0 || cfg.BroadcastPort > 65535 {
		return cfg, errors.New("PORT must be in [0,65535]")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return cfg, errors.New("DATA_DIR must not be empty")
	}
	if strings.TrimSpace(cfg.AssetDir) == "" {
		return cfg, errors.New("ASSET_DIR must not be empty")
	}
	if cfg.Feed.HandshakeTimeout <= 0 {
		return cfg, errors.New("FEED_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.Feed.KeepaliveTimeout < 0 {
		return cfg, errors.New("FEED_KEEPALIVE_TIMEOUT must be >= 0")
	}
	if cfg.Feed.BackoffBase <= 0 {
		return cfg, errors.New("FEED_BACKOFF_BASE must be > 0")
	}
	if cfg.Feed.MaxAttempts < 1 {
		return cfg, errors.New("FEED_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
