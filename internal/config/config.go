package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// FeedConfig describes a single webcal subscription. It is copied once per
// cycle and passed by value, so a cycle never observes a config edit.
type FeedConfig struct {
	// Profile is the sync-profile identity. Together with the plugin name
	// it selects the notebook that mirrors this feed.
	Profile string `yaml:"profile" json:"profile"`
	// RemoteCalendar is the feed URL.
	RemoteCalendar string `yaml:"remoteCalendar" json:"remoteCalendar"`
	// AllowRedirect controls whether HTTP redirects are followed.
	AllowRedirect bool `yaml:"allowRedirect" json:"allowRedirect"`
	// Label, if set, overrides the calendar name declared by the feed.
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
	// AccountID is stamped on the notebook when set.
	AccountID string `yaml:"accountid,omitempty" json:"accountid,omitempty"`
}

// Validate validates a subscription entry.
func (f FeedConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Profile, validation.Required),
		validation.Field(&f.RemoteCalendar, validation.Required, validation.By(httpURL)),
	)
}

func httpURL(value any) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// LogConfig controls logging verbosity and destination.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// File, if set, receives log lines instead of stderr and is rotated
	// when it exceeds MaxSizeMB.
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
}

// Validate validates the logging configuration.
func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
	)
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API.
	Listen string `yaml:"listen" json:"listen"`

	// Database is the path of the SQLite calendar store.
	Database string `yaml:"database" json:"database"`

	// Timezone is the IANA timezone used when rendering agendas.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// used by the daemon for periodic cycles.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HTTPTimeoutSeconds bounds a single feed request.
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds" json:"http_timeout_seconds"`

	Log LogConfig `yaml:"log" json:"log"`

	// Subscriptions is the list of mirrored feeds.
	Subscriptions []FeedConfig `yaml:"subscriptions" json:"subscriptions"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:             "127.0.0.1:8080",
		Database:           "./webcal.db",
		Timezone:           "UTC",
		RefreshCron:        "*/30 * * * *",
		HTTPTimeoutSeconds: 30,
		Log:                LogConfig{Level: "info"},
		Subscriptions:      []FeedConfig{},
		BasicAuth:          nil,
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.HTTPTimeoutSeconds <= 0 {
		c.HTTPTimeoutSeconds = d.HTTPTimeoutSeconds
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 3
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []FeedConfig{}
	}
}

// Validate checks the configuration after normalization.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Database, validation.Required),
		validation.Field(&c.RefreshCron, validation.Required, validation.By(cronSpec)),
		validation.Field(&c.Timezone, validation.By(ianaZone)),
	); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Subscriptions))
	for i, sub := range c.Subscriptions {
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		if _, dup := seen[sub.Profile]; dup {
			return fmt.Errorf("subscriptions[%d]: duplicate profile %q", i, sub.Profile)
		}
		seen[sub.Profile] = struct{}{}
	}
	return nil
}

func cronSpec(value any) error {
	s, _ := value.(string)
	_, err := cron.ParseStandard(s)
	return err
}

func ianaZone(value any) error {
	s, _ := value.(string)
	_, err := time.LoadLocation(s)
	return err
}

// Location returns the configured display timezone, or UTC when the name
// cannot be resolved.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HTTPTimeout returns the per-request feed timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Subscription looks up a subscription by profile.
func (c *Config) Subscription(profile string) (FeedConfig, bool) {
	for _, sub := range c.Subscriptions {
		if sub.Profile == profile {
			return sub, true
		}
	}
	return FeedConfig{}, false
}

// Load loads configuration from the given YAML path. ${VAR} references are
// expanded from the environment before parsing.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// The parent directory is created (0700), the YAML is written to a temp file
// in the same directory and renamed over the target, leaving it 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".webcalsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
