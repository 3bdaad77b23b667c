// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, then optionally overridden by CLI flags in cmd/relayd. The
// shared secret has no default: a missing JWT_SECRET_KEY is a startup
// error, since the relay and the external auth service must agree on it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/relaycore/internal/protocol"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	AdminPort   string
	JWTSecret   string
	HistoryBase string

	BufferSize           int
	MaxMessageSize       int
	FileTransferTimeout  time.Duration
	HandshakeTimeout     time.Duration
	HandshakeBufferLimit int
	HistoryTimeout       time.Duration
	TransferSweep        time.Duration

	Dev bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", protocol.DefaultPort),
		AdminPort:   getEnv("ADMIN_PORT", "8080"),
		JWTSecret:   os.Getenv("JWT_SECRET_KEY"),
		HistoryBase: getEnv("HISTORY_API_BASE", "http://localhost:5001/api"),

		BufferSize:           getEnvInt("BUFFER_SIZE", protocol.DefaultBufferSize),
		MaxMessageSize:       getEnvInt("MAX_MESSAGE_SIZE", protocol.DefaultMaxMessageSize),
		FileTransferTimeout:  getEnvDuration("FILE_TRANSFER_TIMEOUT", protocol.DefaultFileTransferTimeout),
		HandshakeTimeout:     getEnvDuration("HANDSHAKE_TIMEOUT", protocol.DefaultHandshakeTimeout),
		HandshakeBufferLimit: getEnvInt("HANDSHAKE_BUFFER_LIMIT", protocol.DefaultHandshakeBufferLimit),
		HistoryTimeout:       getEnvDuration("HISTORY_TIMEOUT", 5*time.Second),
		TransferSweep:        getEnvDuration("TRANSFER_SWEEP_INTERVAL", 5*time.Second),

		Dev: getEnvBool("DEV", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required and must match the auth service")
	}
	if c.HistoryBase == "" {
		return fmt.Errorf("HISTORY_API_BASE cannot be empty")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("BUFFER_SIZE must be > 0")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be > 0")
	}
	if c.BufferSize > 2*c.MaxMessageSize {
		return fmt.Errorf("BUFFER_SIZE (%d) should not exceed 2x MAX_MESSAGE_SIZE (%d)", c.BufferSize, c.MaxMessageSize)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	// Accept bare integer seconds (as the Python source's os.getenv(...,
	// "300") style env vars do) in addition to Go duration strings.
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
