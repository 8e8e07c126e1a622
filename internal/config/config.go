// Package config handles process configuration from environment variables.
//
// Operator-editable settings such as templates and the check frequency live
// in the key-value store instead; see package settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fcc_monitor/internal/storage"
)

// Config holds the process configuration.
type Config struct {
	StoreBackend string
	DatabasePath string
	RedisURL     string

	ECFSAPIKey   string
	ECFSBaseURL  string
	ECFSMaxPages int
	Docket       string

	SlackWebhookURL string
	EncryptionKey   string

	XAPIBaseURL  string
	XAuthURL     string
	XTokenURL    string
	XRedirectURL string

	HTTPAddr   string
	AdminToken string

	TelegramBotToken string
	AllowedUsers     []int64

	CheckTick time.Duration
	LogLevel  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		StoreBackend:     strings.ToLower(env("STORE_BACKEND", storage.BackendSQLite)),
		DatabasePath:     env("DATABASE_PATH", "./data/monitor.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		ECFSAPIKey:       os.Getenv("ECFS_API_KEY"),
		ECFSBaseURL:      env("ECFS_API_BASE_URL", "https://publicapi.fcc.gov/ecfs"),
		Docket:           env("DOCKET", "11-42"),
		SlackWebhookURL:  os.Getenv("SLACK_WEBHOOK_URL"),
		EncryptionKey:    os.Getenv("ENCRYPTION_KEY"),
		XAPIBaseURL:      env("X_API_BASE_URL", "https://api.twitter.com/2"),
		XAuthURL:         env("X_AUTH_URL", "https://twitter.com/i/oauth2/authorize"),
		XTokenURL:        env("X_TOKEN_URL", "https://api.twitter.com/2/oauth2/token"),
		XRedirectURL:     env("X_REDIRECT_URL", "http://localhost:8080/api/x/callback"),
		HTTPAddr:         env("HTTP_ADDR", ":8080"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		LogLevel:         env("LOG_LEVEL", "info"),
	}

	switch cfg.StoreBackend {
	case storage.BackendSQLite, storage.BackendMemory:
	case storage.BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q, use: sqlite, redis, memory", cfg.StoreBackend)
	}

	pages, err := strconv.Atoi(env("ECFS_MAX_PAGES", "1"))
	if err != nil || pages < 1 {
		return nil, fmt.Errorf("ECFS_MAX_PAGES must be a positive integer")
	}
	cfg.ECFSMaxPages = pages

	tick, err := time.ParseDuration(env("CHECK_TICK", "1m"))
	if err != nil || tick <= 0 {
		return nil, fmt.Errorf("CHECK_TICK must be a positive duration such as 1m")
	}
	cfg.CheckTick = tick

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
		}
	}

	return cfg, nil
}

// StoreDSN returns the connection string for the configured backend.
func (c *Config) StoreDSN() string {
	if c.StoreBackend == storage.BackendRedis {
		return c.RedisURL
	}
	return c.DatabasePath
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
