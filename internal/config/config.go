// Package config loads kernel configuration from an optional YAML file and
// environment variable overrides. Environment always wins so containerised
// deployments can run without a config file at all.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig controls the gateway token-bucket limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// SchedulerConfig controls the cron/interval scheduler loop.
type SchedulerConfig struct {
	TickSeconds        int `yaml:"tick_seconds"`         // default 10
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"` // default 60
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`  // default 3600
	AutoDisableAfter   int `yaml:"auto_disable_after"`   // consecutive errors; default 5
}

// SweepConfig controls the opportunistic stale sweeps.
type SweepConfig struct {
	ReviewingTimeoutMinutes  int `yaml:"reviewing_timeout_minutes"`  // default 30
	ProcessingTimeoutMinutes int `yaml:"processing_timeout_minutes"` // default 30
	SessionTimeoutMinutes    int `yaml:"session_timeout_minutes"`    // default 30
}

// GitHubConfig holds the webhook ingress secret and the outbound API
// credentials for posting completion comments.
type GitHubConfig struct {
	WebhookSecret  string `yaml:"webhook_secret"`
	APIToken       string `yaml:"api_token"`
	InstallationID string `yaml:"installation_id"`
}

// TelegramConfig holds the chat ingress adapter settings.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// AgentMailConfig holds the mail ingress adapter settings.
type AgentMailConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
}

// IngressConfig groups all ingress adapters.
type IngressConfig struct {
	GitHub    GitHubConfig    `yaml:"github"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	AgentMail AgentMailConfig `yaml:"agentmail"`
}

// Config is the root kernel configuration.
type Config struct {
	Home         string          `yaml:"home"`          // data directory; default ~/.agent-swarm
	DatabasePath string          `yaml:"database_path"` // default <home>/agent-swarm-db.sqlite
	Port         int             `yaml:"port"`          // default 3939
	APIKey       string          `yaml:"api_key"`       // bearer auth when set
	AppURL       string          `yaml:"app_url"`       // deep-link base for outbound messages
	LogLevel     string          `yaml:"log_level"`
	Quiet        bool            `yaml:"quiet"`
	AllowOrigins []string        `yaml:"allow_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Scheduler    SchedulerConfig `yaml:"scheduler"`
	Sweeps       SweepConfig     `yaml:"sweeps"`
	Ingress      IngressConfig   `yaml:"ingress"`
}

// DefaultHome resolves the data directory.
func DefaultHome() string {
	if env := os.Getenv("AGENT_SWARM_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agent-swarm")
}

// Load reads the YAML file at path (missing file is fine), applies defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file; env + defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("APP_URL"); v != "" {
		c.AppURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		c.Ingress.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("GITHUB_API_TOKEN"); v != "" {
		c.Ingress.GitHub.APIToken = v
	}
	if v := os.Getenv("GITHUB_INSTALLATION_ID"); v != "" {
		c.Ingress.GitHub.InstallationID = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Ingress.Telegram.Token = v
		c.Ingress.Telegram.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_ALLOWED_IDS"); v != "" {
		c.Ingress.Telegram.AllowedIDs = parseIDList(v)
	}
	if v := os.Getenv("AGENTMAIL_WEBHOOK_SECRET"); v != "" {
		c.Ingress.AgentMail.WebhookSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Home == "" {
		c.Home = DefaultHome()
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.Home, "agent-swarm-db.sqlite")
	}
	if c.Port == 0 {
		c.Port = 3939
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = 20
	}
	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = 10
	}
	if c.Scheduler.BackoffBaseSeconds == 0 {
		c.Scheduler.BackoffBaseSeconds = 60
	}
	if c.Scheduler.BackoffCapSeconds == 0 {
		c.Scheduler.BackoffCapSeconds = 3600
	}
	if c.Scheduler.AutoDisableAfter == 0 {
		c.Scheduler.AutoDisableAfter = 5
	}
	if c.Sweeps.ReviewingTimeoutMinutes == 0 {
		c.Sweeps.ReviewingTimeoutMinutes = 30
	}
	if c.Sweeps.ProcessingTimeoutMinutes == 0 {
		c.Sweeps.ProcessingTimeoutMinutes = 30
	}
	if c.Sweeps.SessionTimeoutMinutes == 0 {
		c.Sweeps.SessionTimeoutMinutes = 30
	}
}

// SchedulerTick returns the scheduler tick as a duration.
func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// Fingerprint returns a short stable hash of the effective configuration.
// Secrets contribute their presence, not their value.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	parts := []string{
		c.DatabasePath,
		strconv.Itoa(c.Port),
		c.AppURL,
		c.LogLevel,
		strconv.FormatBool(c.APIKey != ""),
		strconv.FormatBool(c.Ingress.GitHub.WebhookSecret != ""),
		strconv.FormatBool(c.Ingress.Telegram.Token != ""),
		strconv.Itoa(c.RateLimit.RequestsPerMinute),
	}
	origins := append([]string(nil), c.AllowOrigins...)
	sort.Strings(origins)
	parts = append(parts, origins...)
	_, _ = h.Write([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%016x", h.Sum64())
}

func parseIDList(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
