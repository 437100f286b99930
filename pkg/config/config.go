// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage backend selectors.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the process configuration. Database settings live in
// pkg/database and are loaded there.
type Config struct {
	Port       int
	CORSOrigin string
	LogLevel   string

	StorageBackend string

	SessionTTL      time.Duration
	CleanupInterval time.Duration

	DefaultProvider string
}

// Load reads the configuration from environment variables, applying
// defaults, and validates it.
func Load() (*Config, error) {
	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	ttlMinutes, err := getEnvInt("SESSION_TTL_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	cleanupMinutes, err := getEnvInt("CLEANUP_INTERVAL_MINUTES", 10)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:            port,
		CORSOrigin:      getEnv("CORS_ORIGIN", "http://localhost:3000"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		StorageBackend:  getEnv("STORAGE_BACKEND", BackendMemory),
		SessionTTL:      time.Duration(ttlMinutes) * time.Minute,
		CleanupInterval: time.Duration(cleanupMinutes) * time.Minute,
		DefaultProvider: getEnv("LLM_PROVIDER", "openai"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.StorageBackend != BackendMemory && c.StorageBackend != BackendPostgres {
		return fmt.Errorf("invalid STORAGE_BACKEND %q (want %q or %q)",
			c.StorageBackend, BackendMemory, BackendPostgres)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL_MINUTES must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
