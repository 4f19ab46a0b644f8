// Package config loads settings from environment variables with defaults.
// A .env file in the working directory is read first when present; variables
// already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const devSecret = "dev-secret-change-me"

type Server struct {
	Addr         string
	DBDriver     string // sqlite3 or postgres
	DBSource     string
	TokenSecret  string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	CookieSecure bool
	LogLevel     string

	// MinPasswordEntropy is the signup password strength in bits; 0 disables it.
	MinPasswordEntropy float64
}

type Client struct {
	APIURL         string
	RetryDelay     time.Duration // between websocket reconnects
	MaxRetries     int           // consecutive reconnects before giving up, 0 = unbounded
	RefreshTimeout time.Duration
	LogLevel       string
}

// LoadDotEnv reads files (default .env) into the environment. Missing files
// are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadServer() (*Server, error) {
	cfg := &Server{
		Addr:         getEnv("EXPERTLY_ADDR", ":8080"),
		DBDriver:     getEnv("EXPERTLY_DB_DRIVER", "sqlite3"),
		DBSource:     getEnv("EXPERTLY_DB_SOURCE", "expertly.db"),
		TokenSecret:  getEnv("EXPERTLY_TOKEN_SECRET", devSecret),
		AccessTTL:    getEnvDuration("EXPERTLY_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:   getEnvDuration("EXPERTLY_REFRESH_TTL", 7*24*time.Hour),
		CookieSecure: getEnvBool("EXPERTLY_COOKIE_SECURE", false),
		LogLevel:     getEnv("EXPERTLY_LOG_LEVEL", "info"),

		MinPasswordEntropy: getEnvFloat("EXPERTLY_MIN_PASSWORD_ENTROPY", 50),
	}

	switch cfg.DBDriver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("EXPERTLY_DB_DRIVER must be sqlite3 or postgres, got %q", cfg.DBDriver)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token lifetimes must be positive")
	}
	if cfg.MinPasswordEntropy < 0 {
		return nil, fmt.Errorf("EXPERTLY_MIN_PASSWORD_ENTROPY must not be negative")
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return nil, fmt.Errorf("EXPERTLY_REFRESH_TTL (%s) must not be shorter than EXPERTLY_ACCESS_TTL (%s)", cfg.RefreshTTL, cfg.AccessTTL)
	}
	return cfg, nil
}

// DevSecret reports whether the token secret is the built-in default.
func (c *Server) DevSecret() bool {
	return c.TokenSecret == devSecret
}

func LoadClient() (*Client, error) {
	cfg := &Client{
		APIURL:         strings.TrimRight(getEnv("EXPERTLY_API_URL", "http://localhost:8080"), "/"),
		RetryDelay:     getEnvDuration("EXPERTLY_RECONNECT_DELAY", 5*time.Second),
		MaxRetries:     getEnvInt("EXPERTLY_MAX_RECONNECTS", 10),
		RefreshTimeout: getEnvDuration("EXPERTLY_REFRESH_TIMEOUT", 15*time.Second),
		LogLevel:       getEnv("EXPERTLY_LOG_LEVEL", "warn"),
	}
	if !strings.HasPrefix(cfg.APIURL, "http://") && !strings.HasPrefix(cfg.APIURL, "https://") {
		return nil, fmt.Errorf("EXPERTLY_API_URL must be an http(s) URL, got %q", cfg.APIURL)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("EXPERTLY_MAX_RECONNECTS must not be negative, got %d", cfg.MaxRetries)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
