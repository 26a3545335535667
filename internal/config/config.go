package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrEmptyPath = errors.New("config: path is empty")

// FeedConfig describes a single subscribed feed: an LMS calendar (ICS) or a
// task-management API returning JSON.
type FeedConfig struct {
	// ID is an internal identifier used for de-dup, caching and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown in the UI.
	Name string `yaml:"name" json:"name"`
	// URL is the feed endpoint.
	URL string `yaml:"url" json:"url" validate:"required,url"`
	// Token, if set, is sent as a bearer token.
	Token string `yaml:"token,omitempty" json:"-"`
}

// SourceID returns ID, falling back to Name and then URL.
func (f FeedConfig) SourceID() string {
	switch {
	case f.ID != "":
		return f.ID
	case f.Name != "":
		return f.Name
	default:
		return f.URL
	}
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// CaptureConfig controls the headless snapshot of the /calendar page taken
// after each scheduled refresh.
type CaptureConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// URL defaults to http://<listen>/calendar.
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Output string `yaml:"output" json:"output"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used to decide calendar dates and "today".
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron schedule (e.g. "*/15 * * * *") for purging and
	// re-warming cached feeds.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheSeconds is how long fetched feed data is served before a
	// re-fetch is allowed.
	CacheSeconds int `yaml:"cache_seconds" json:"cache_seconds"`

	// DueSoonDays is how many days ahead the due-soon list looks.
	DueSoonDays int `yaml:"due_soon_days" json:"due_soon_days"`

	// BackfillDays includes recently past-due assignments.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// EventTypes limits which calendar event types are shown.
	EventTypes []string `yaml:"event_types" json:"event_types"`

	// Filters hides assignments and events whose title contains any entry.
	Filters []string `yaml:"filters" json:"filters"`

	// Calendars are ICS subscriptions (LMS calendar feeds).
	Calendars []FeedConfig `yaml:"calendars" json:"calendars" validate:"dive"`

	// Tasks are JSON task feeds.
	Tasks []FeedConfig `yaml:"tasks" json:"tasks" validate:"dive"`

	// CacheDir holds the per-URL HTTP cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Capture CaptureConfig `yaml:"capture" json:"capture"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "America/New_York"
	defaultRefreshCron  = "*/15 * * * *"
	defaultCacheSeconds = 30
	defaultDueSoonDays  = 14
	defaultCacheDir     = "/var/lib/duecal/cache"
	defaultCaptureOut   = "/var/lib/duecal/preview.png"
	defaultCaptureW     = 1304
	defaultCaptureH     = 984
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       defaultListen,
		Timezone:     defaultTimezone,
		RefreshCron:  defaultRefreshCron,
		CacheSeconds: defaultCacheSeconds,
		DueSoonDays:  defaultDueSoonDays,
		BackfillDays: 1,
		EventTypes:   []string{"assignment", "event"},
		Filters:      []string{},
		Calendars:    []FeedConfig{},
		Tasks:        []FeedConfig{},
		CacheDir:     defaultCacheDir,
		LogLevel:     "info",
		Capture: CaptureConfig{
			Output: defaultCaptureOut,
			Width:  defaultCaptureW,
			Height: defaultCaptureH,
		},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.CacheSeconds <= 0 {
		c.CacheSeconds = defaultCacheSeconds
	}
	if c.DueSoonDays <= 0 {
		c.DueSoonDays = defaultDueSoonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if len(c.EventTypes) == 0 {
		c.EventTypes = []string{"assignment", "event"}
	}
	if c.Filters == nil {
		c.Filters = []string{}
	}
	if c.Calendars == nil {
		c.Calendars = []FeedConfig{}
	}
	if c.Tasks == nil {
		c.Tasks = []FeedConfig{}
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Capture.Output == "" {
		c.Capture.Output = defaultCaptureOut
	}
	if c.Capture.Width <= 0 {
		c.Capture.Width = defaultCaptureW
	}
	if c.Capture.Height <= 0 {
		c.Capture.Height = defaultCaptureH
	}
}

// Validate checks feed URLs and the timezone.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// CacheTTL is CacheSeconds as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
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
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return ErrEmptyPath
	}
	if cfg == nil {
		return errors.New("config: nil config")
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

	tmp, err := os.CreateTemp(dir, ".duecal-config-*.tmp")
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

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
