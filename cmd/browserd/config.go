package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full browserd configuration. Values come from an
// optional YAML file (BROWSERD_CONFIG) overridden by environment
// variables.
type Config struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// APIKey enables the optional bearer check on mutating routes.
	APIKey string `yaml:"api_key"`

	MaxSessions        int `yaml:"max_sessions"`
	MaxPagesPerSession int `yaml:"max_pages_per_session"`

	SessionIdleTimeoutSec int `yaml:"session_idle_timeout_sec"`
	SweepIntervalSec      int `yaml:"sweep_interval_sec"`
	CommandTimeoutMs      int `yaml:"default_command_timeout_ms"`
	ShutdownGraceSec      int `yaml:"shutdown_grace_sec"`

	ScreenshotDir string `yaml:"screenshot_dir"`
	AuditDB       string `yaml:"audit_db"`

	VisionEndpoint   string `yaml:"vision_endpoint"`
	EnableJSFallback bool   `yaml:"enable_js_fallback"`
	Stealth          bool   `yaml:"stealth"`
	Headful          bool   `yaml:"headful"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  "8090",
		MaxSessions:           10,
		MaxPagesPerSession:    20,
		SessionIdleTimeoutSec: 3600,
		SweepIntervalSec:      300,
		CommandTimeoutMs:      30000,
		ShutdownGraceSec:      10,
		ScreenshotDir:         "screenshots",
		AuditDB:               "db/browserd_audit.db",
		LogLevel:              "info",
	}
}

// LoadConfig builds the configuration: defaults, then the YAML file named
// by BROWSERD_CONFIG (if any), then environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("BROWSERD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Host = env("HOST", cfg.Host)
	cfg.Port = env("PORT", cfg.Port)
	cfg.APIKey = env("API_KEY", cfg.APIKey)
	cfg.MaxSessions = envInt("MAX_SESSIONS", cfg.MaxSessions)
	cfg.MaxPagesPerSession = envInt("MAX_PAGES_PER_SESSION", cfg.MaxPagesPerSession)
	cfg.SessionIdleTimeoutSec = envInt("SESSION_IDLE_TIMEOUT_SEC", cfg.SessionIdleTimeoutSec)
	cfg.SweepIntervalSec = envInt("SWEEP_INTERVAL_SEC", cfg.SweepIntervalSec)
	cfg.CommandTimeoutMs = envInt("DEFAULT_COMMAND_TIMEOUT_MS", cfg.CommandTimeoutMs)
	cfg.ShutdownGraceSec = envInt("SHUTDOWN_GRACE_SEC", cfg.ShutdownGraceSec)
	cfg.ScreenshotDir = env("SCREENSHOT_DIR", cfg.ScreenshotDir)
	cfg.AuditDB = env("AUDIT_DB", cfg.AuditDB)
	cfg.VisionEndpoint = env("VISION_ENDPOINT", cfg.VisionEndpoint)
	cfg.EnableJSFallback = envBool("ENABLE_JS_FALLBACK", cfg.EnableJSFallback)
	cfg.Stealth = envBool("STEALTH", cfg.Stealth)
	cfg.Headful = envBool("HEADFUL", cfg.Headful)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)

	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be > 0")
	}
	if c.MaxPagesPerSession <= 0 {
		return fmt.Errorf("max_pages_per_session must be > 0")
	}
	if c.SessionIdleTimeoutSec <= 0 {
		return fmt.Errorf("session_idle_timeout_sec must be > 0")
	}
	if c.SweepIntervalSec <= 0 {
		return fmt.Errorf("sweep_interval_sec must be > 0")
	}
	if c.CommandTimeoutMs <= 0 {
		return fmt.Errorf("default_command_timeout_ms must be > 0")
	}
	if c.ScreenshotDir == "" {
		return fmt.Errorf("screenshot_dir is required")
	}
	return nil
}

// IdleTimeout returns the session idle TTL.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSec) * time.Second
}

// SweepInterval returns the eviction sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// CommandTimeout returns the default per-command deadline.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// ShutdownGrace returns the graceful-shutdown budget.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSec) * time.Second
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}
