package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultMapURL is the page polled for battle markers.
const DefaultMapURL = "https://api.chatwars.me/webview/map"

// Config holds all configuration for the relay.
type Config struct {
	// HTTP bind settings
	Host string
	Port int

	// Shared client secret. Note: when WS_AUTH_TOKEN is unset this falls
	// back to test_token, which is only acceptable for local development.
	AuthToken string

	// Polling
	MapURL        string
	PollInterval  time.Duration
	ScrapeTimeout time.Duration

	// Browser CDP endpoint used by the scraper
	CDPAddress string
	CDPPort    int

	// Per-session inbound message quota
	RateWindow time.Duration
	RateLimit  int

	// Global request governor in front of the whole service
	GovernorRPS   float64
	GovernorBurst int

	// Optional push endpoint mirroring every event (disabled when empty)
	NtfyEndpoint string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env
// file. PORT is required; everything else has local-development defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	portVal := os.Getenv("PORT")
	if portVal == "" {
		return nil, errors.New("config: PORT must be set")
	}
	port, err := strconv.Atoi(portVal)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("config: PORT must be a valid port number, got %q", portVal)
	}

	if os.Getenv("HOST") == "" {
		slog.Warn("HOST not set, defaulting to 127.0.0.1")
	}
	if os.Getenv("WS_AUTH_TOKEN") == "" {
		slog.Warn("WS_AUTH_TOKEN not set, defaulting to test_token")
	}

	cfg := &Config{
		Host:          getEnvOrDefault("HOST", "127.0.0.1"),
		Port:          port,
		AuthToken:     getEnvOrDefault("WS_AUTH_TOKEN", "test_token"),
		MapURL:        getEnvOrDefault("MAP_URL", DefaultMapURL),
		PollInterval:  time.Duration(getEnvIntOrDefault("POLL_INTERVAL_SECONDS", 60)) * time.Second,
		ScrapeTimeout: time.Duration(getEnvIntOrDefault("SCRAPE_TIMEOUT_MS", 15000)) * time.Millisecond,
		CDPAddress:    getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:       getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		RateWindow:    time.Duration(getEnvIntOrDefault("RATE_LIMIT_WINDOW_MINUTES", 15)) * time.Minute,
		RateLimit:     getEnvIntOrDefault("RATE_LIMIT_MAX_MESSAGES", 100),
		GovernorRPS:   getEnvFloatOrDefault("GOVERNOR_RPS", 1),
		GovernorBurst: getEnvIntOrDefault("GOVERNOR_BURST", 100),
		NtfyEndpoint:  os.Getenv("NTFY_ENDPOINT"),
		LogLevel:      strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		LogFile:       getEnvOrDefault("LOG_FILE", "logs/rclaim.log"),
	}

	return cfg, nil
}

// BindAddr returns the host:port the HTTP server listens on.
func (c *Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CDPURL returns the CDP HTTP endpoint used by the scraper's remote allocator.
func (c *Config) CDPURL() string {
	return "http://" + net.JoinHostPort(c.CDPAddress, strconv.Itoa(c.CDPPort))
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloatOrDefault(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
