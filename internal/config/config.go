package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIPrefix = "https://api.empire.io.vn/api/v1/courses/"
	DefaultTabDomain = "empire.edu.vn"
	DefaultStartURL  = "https://empire.edu.vn/"
)

// Config holds all configuration for the catcher daemon.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Capture targets
	APIPrefix   string
	TabDomain   string
	TargetsFile string

	// Storage
	StateFile        string
	JournalDir       string
	JournalMaxSizeMB int
	ExportDir        string

	// Control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Logging
	LogLevel string
	LogFile  string

	// Session manager tuning
	QueueSize   int
	CallTimeout time.Duration
	PendingTTL  time.Duration

	NtfyEndpoint string

	// Browser launch
	LaunchBrowser bool
	StartURL      string
	ProfileDir    string
}

// Load reads configuration from environment variables and an optional .env
// file, then applies the targets file when one is present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		APIPrefix:        getEnvOrDefault("CATCHER_API_PREFIX", DefaultAPIPrefix),
		TabDomain:        strings.ToLower(getEnvOrDefault("CATCHER_TAB_DOMAIN", DefaultTabDomain)),
		TargetsFile:      getEnvOrDefault("CATCHER_TARGETS_FILE", "targets.yaml"),
		StateFile:        getEnvOrDefault("CATCHER_STATE_FILE", "./data/state.json"),
		JournalDir:       getEnvOrDefault("CATCHER_JOURNAL_DIR", "./data/journal"),
		JournalMaxSizeMB: getEnvIntOrDefault("CATCHER_JOURNAL_MAX_SIZE_MB", 50),
		ExportDir:        getEnvOrDefault("CATCHER_EXPORT_DIR", "./exports"),
		BindAddr:         getEnvOrDefault("CATCHER_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   splitList(getEnvOrDefault("CATCHER_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192,127.0.0.1:8193")),
		PortAutoFallback: getEnvBoolOrDefault("CATCHER_PORT_AUTO_FALLBACK", true),
		LogLevel:         strings.ToLower(getEnvOrDefault("CATCHER_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("CATCHER_LOG_FILE", "logs/catcher.log"),
		QueueSize:        getEnvIntOrDefault("CATCHER_QUEUE_SIZE", 256),
		CallTimeout:      time.Duration(getEnvIntOrDefault("CATCHER_CALL_TIMEOUT_MS", 15000)) * time.Millisecond,
		PendingTTL:       time.Duration(getEnvIntOrDefault("CATCHER_PENDING_TTL_SEC", 300)) * time.Second,
		NtfyEndpoint:     getEnvOrDefault("CATCHER_NTFY_ENDPOINT", ""),
		LaunchBrowser:    getEnvBoolOrDefault("CATCHER_LAUNCH_BROWSER", false),
		StartURL:         getEnvOrDefault("CATCHER_START_URL", DefaultStartURL),
		ProfileDir:       getEnvOrDefault("CATCHER_PROFILE_DIR", "./data/chromium-profile"),
	}

	if cfg.TargetsFile != "" {
		targets, err := LoadTargets(cfg.TargetsFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("targets file not found, using environment", "path", cfg.TargetsFile)
		case err != nil:
			return nil, err
		default:
			targets.apply(cfg)
		}
	}

	if cfg.CallTimeout < time.Second {
		cfg.CallTimeout = time.Second
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the capture targets.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIPrefix)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: api prefix must be an absolute http(s) URL: %q", c.APIPrefix)
	}
	if c.TabDomain == "" || strings.ContainsAny(c.TabDomain, "/:*") {
		return fmt.Errorf("config: tab domain must be a bare host name: %q", c.TabDomain)
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("config: invalid CDP port %d", c.CDPPort)
	}
	return nil
}

// CDPURL returns the DevTools HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + net.JoinHostPort(c.CDPAddress, strconv.Itoa(c.CDPPort))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
