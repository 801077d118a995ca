// ABOUTME: Centralized configuration for the chatsync CLI and MCP server
// ABOUTME: Loads from environment variables with validation and defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Remote backends
const (
	RemoteHTTP  = "http"
	RemoteCharm = "charm"
)

// Config holds all configuration for the sync engine
type Config struct {
	// Identity supplied by the surrounding auth layer
	OwnerID string

	// Remote settings
	Remote     string
	APIURL     string
	APIToken   string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	RateLimit  float64

	// Cache settings
	DBPath    string
	MaxCached int

	// Charm settings
	CharmHost   string
	CharmDBName string
	AutoSync    bool

	// OpenAI settings
	OpenAIKey  string
	TitleModel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		OwnerID:     os.Getenv("CHATSYNC_OWNER"),
		Remote:      strings.ToLower(getEnv("CHATSYNC_REMOTE", RemoteHTTP)),
		APIURL:      os.Getenv("CHATSYNC_API_URL"),
		APIToken:    os.Getenv("CHATSYNC_API_TOKEN"),
		Timeout:     getEnvDuration("CHATSYNC_TIMEOUT", 30*time.Second),
		MaxRetries:  getEnvInt("CHATSYNC_MAX_RETRIES", 3),
		RetryDelay:  getEnvDuration("CHATSYNC_RETRY_DELAY", 500*time.Millisecond),
		RateLimit:   getEnvFloat("CHATSYNC_RATE_LIMIT", 10),
		DBPath:      os.Getenv("CHATSYNC_DB_PATH"),
		MaxCached:   getEnvInt("MAX_CACHED_CONVERSATIONS", 50),
		CharmHost:   getEnv("CHARM_HOST", "cloud.charm.sh"),
		CharmDBName: getEnv("CHARM_DB", "chatsync"),
		AutoSync:    getEnvBool("CHARM_AUTO_SYNC", true),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		TitleModel:  getEnv("CHATSYNC_TITLE_MODEL", "gpt-4o-mini"),
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Remote != RemoteHTTP && c.Remote != RemoteCharm {
		return fmt.Errorf("CHATSYNC_REMOTE must be %q or %q, got %q", RemoteHTTP, RemoteCharm, c.Remote)
	}
	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("CHATSYNC_API_URL must be an absolute URL, got %q", c.APIURL)
		}
	}
	if c.MaxCached < 1 {
		return fmt.Errorf("MAX_CACHED_CONVERSATIONS must be at least 1, got %d", c.MaxCached)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("CHATSYNC_MAX_RETRIES must be 0-10, got %d", c.MaxRetries)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("CHATSYNC_RATE_LIMIT must not be negative, got %f", c.RateLimit)
	}
	return nil
}

// RequireOwner reports an error when no owner identity was configured
func (c *Config) RequireOwner() error {
	if strings.TrimSpace(c.OwnerID) == "" {
		return fmt.Errorf("CHATSYNC_OWNER is not set")
	}
	return nil
}

// RequireRemote reports an error when the selected remote cannot be reached
func (c *Config) RequireRemote() error {
	if c.Remote == RemoteHTTP && c.APIURL == "" {
		return fmt.Errorf("CHATSYNC_API_URL is required for the http remote")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
