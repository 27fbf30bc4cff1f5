// Package config provides YAML-based configuration loading for constbot,
// with environment overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the YAML file.
const (
	EnvToken     = "TG_TOKEN"
	EnvAdminID   = "ADMIN_ID"
	EnvBotID     = "BOT_ID"
	EnvWhitelist = "WHITELIST"
	EnvRedisURL  = "REDIS_URL"
)

// Config is the top-level constbot configuration, loaded from constbot.yaml.
type Config struct {
	Bot      BotConfig      `yaml:"bot"`
	Source   SourceConfig   `yaml:"source"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Retry    RetryConfig    `yaml:"retry"`
	Verify   VerifyConfig   `yaml:"verify"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// BotConfig holds Telegram credentials and access control.
type BotConfig struct {
	Token          string  `yaml:"token"`
	Username       string  `yaml:"username"`
	BotID          int64   `yaml:"bot_id"`
	AdminID        int64   `yaml:"admin_id"`
	Whitelist      []int64 `yaml:"whitelist"` // empty allows everyone
	Mode           string  `yaml:"mode"`      // "polling" or "webhook"
	PollTimeoutSec int     `yaml:"poll_timeout_sec"`
	SendTimeoutSec int     `yaml:"send_timeout_sec"`
}

// SourceConfig points the extractor at the source documents.
type SourceConfig struct {
	ConstitutionURL string `yaml:"constitution_url"`
	BillOfRightsURL string `yaml:"bill_of_rights_url"`
	StartMarker     string `yaml:"start_marker"`
	EndMarker       string `yaml:"end_marker"`
	TimeoutSec      int    `yaml:"timeout_sec"`
}

// DatabaseConfig selects the session store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "memory", "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen     string `yaml:"listen"`
	PublicURL  string `yaml:"public_url"` // base URL registered as the webhook
	VerifyAuth string `yaml:"verify_auth"`
}

// RetryConfig configures the outbound retry queue.
type RetryConfig struct {
	Backend        string `yaml:"backend"` // "memory" or "redis"
	RedisURL       string `yaml:"redis_url"`
	Capacity       int    `yaml:"capacity"`
	MaxAttempts    int    `yaml:"max_attempts"`
	BaseDelaySec   int    `yaml:"base_delay_sec"`
	MaxDelaySec    int    `yaml:"max_delay_sec"`
	SendTimeoutSec int    `yaml:"send_timeout_sec"`
}

// VerifyConfig schedules the reachability sweep.
type VerifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// AlertsConfig selects where operator alerts go.
type AlertsConfig struct {
	Admin   bool               `yaml:"admin"` // message the admin chat
	Slack   SlackAlertConfig   `yaml:"slack"`
	Discord DiscordAlertConfig `yaml:"discord"`
}

// SlackAlertConfig posts alerts to a Slack channel.
type SlackAlertConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordAlertConfig posts alerts to a Discord channel.
type DiscordAlertConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env")
// into the process environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// cronParser accepts the 5-field expressions the verify scheduler runs.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Load reads a YAML config file from path, applies environment overrides and
// returns a validated Config. A missing file is allowed so that a
// deployment can be configured from the environment alone.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, os.LookupEnv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting
// the environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) (string, bool) { return "", false })
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and ids from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Bot.Token = v
	}
	if v, ok := lookup(EnvAdminID); ok && v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvAdminID, err)
		}
		c.Bot.AdminID = id
	}
	if v, ok := lookup(EnvBotID); ok && v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvBotID, err)
		}
		c.Bot.BotID = id
	}
	if v, ok := lookup(EnvWhitelist); ok && v != "" {
		ids, err := ParseIDList(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvWhitelist, err)
		}
		c.Bot.Whitelist = ids
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Retry.RedisURL = v
		if c.Retry.Backend == "" {
			c.Retry.Backend = "redis"
		}
	}
	return nil
}

// ParseIDList parses a comma-separated list of numeric ids. Blank entries
// are skipped.
func ParseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Bot.Username == "" {
		c.Bot.Username = "usconstitutionbot"
	}
	c.Bot.Username = strings.TrimPrefix(c.Bot.Username, "@")
	if c.Bot.Mode == "" {
		c.Bot.Mode = "polling"
	}
	if c.Bot.PollTimeoutSec == 0 {
		c.Bot.PollTimeoutSec = 60
	}
	if c.Bot.SendTimeoutSec == 0 {
		c.Bot.SendTimeoutSec = 10
	}
	if c.Source.TimeoutSec == 0 {
		c.Source.TimeoutSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "constbot.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "constbot"
		}
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Retry.Backend == "" {
		c.Retry.Backend = "memory"
	}
	if c.Retry.Capacity == 0 {
		c.Retry.Capacity = 1000
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelaySec == 0 {
		c.Retry.BaseDelaySec = 2
	}
	if c.Retry.MaxDelaySec == 0 {
		c.Retry.MaxDelaySec = 300
	}
	if c.Retry.SendTimeoutSec == 0 {
		c.Retry.SendTimeoutSec = 30
	}
	if c.Verify.Cron == "" {
		c.Verify.Cron = "0 4 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Bot.Token == "" {
		errs = append(errs, "bot.token is required (or set "+EnvToken+")")
	}
	switch c.Bot.Mode {
	case "polling":
	case "webhook":
		if c.Server.PublicURL == "" {
			errs = append(errs, "server.public_url is required in webhook mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("bot.mode %q must be polling or webhook", c.Bot.Mode))
	}
	switch c.Database.Driver {
	case "memory", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be memory, sqlite or mysql", c.Database.Driver))
	}
	switch c.Retry.Backend {
	case "memory":
	case "redis":
		if c.Retry.RedisURL == "" {
			errs = append(errs, "retry.redis_url is required for the redis backend (or set "+EnvRedisURL+")")
		}
	default:
		errs = append(errs, fmt.Sprintf("retry.backend %q must be memory or redis", c.Retry.Backend))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, "retry.max_attempts must not be negative")
	}
	if c.Verify.Enabled {
		if _, err := cronParser.Parse(c.Verify.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("verify.cron %q: %v", c.Verify.Cron, err))
		}
	}
	if c.Alerts.Slack.BotToken != "" && c.Alerts.Slack.ChannelID == "" {
		errs = append(errs, "alerts.slack.channel_id is required with a bot token")
	}
	if c.Alerts.Discord.BotToken != "" && c.Alerts.Discord.ChannelID == "" {
		errs = append(errs, "alerts.discord.channel_id is required with a bot token")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Allowed reports whether userID may use the bot.
func (b BotConfig) Allowed(userID int64) bool {
	if len(b.Whitelist) == 0 {
		return true
	}
	for _, id := range b.Whitelist {
		if id == userID {
			return true
		}
	}
	return false
}
