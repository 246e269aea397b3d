// Package config loads volkeeper settings: a YAML file, overlaid by
// VOLKEEPER_* environment variables, with defaults for everything unset.
// Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/volkeeper/horosafe"
)

// Config is the top-level configuration.
type Config struct {
	Browser     BrowserConfig     `yaml:"browser"`
	Page        PageConfig        `yaml:"page"`
	Store       StoreConfig       `yaml:"store"`
	Timing      TimingConfig      `yaml:"timing"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Identity    IdentityConfig    `yaml:"identity"`
	Control     ControlConfig     `yaml:"control"`
	Events      EventsConfig      `yaml:"events"`
	Log         LogConfig         `yaml:"log"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"            env:"VOLKEEPER_BROWSER_REMOTE"`
	Stealth          string   `yaml:"stealth"           env:"VOLKEEPER_BROWSER_STEALTH"` // headless | headful
	XvfbDisplay      string   `yaml:"xvfb_display"      env:"VOLKEEPER_BROWSER_XVFB_DISPLAY"`
	ResourceBlocking []string `yaml:"resource_blocking" env:"VOLKEEPER_BROWSER_RESOURCE_BLOCKING" envSeparator:","`
	UserDataDir      string   `yaml:"user_data_dir"     env:"VOLKEEPER_BROWSER_USER_DATA_DIR"`
	Bin              string   `yaml:"bin"               env:"VOLKEEPER_BROWSER_BIN"`
}

// PageConfig is the page to control.
type PageConfig struct {
	URL string `yaml:"url" env:"VOLKEEPER_PAGE_URL"`
}

// StoreConfig locates the persisted policy.
type StoreConfig struct {
	Path string `yaml:"path" env:"VOLKEEPER_STORE_PATH"`
	Key  string `yaml:"key"  env:"VOLKEEPER_STORE_KEY"`
}

// TimingConfig holds the cycle delays.
type TimingConfig struct {
	StartupDelay       time.Duration `yaml:"startup_delay"       env:"VOLKEEPER_STARTUP_DELAY"`
	NavigationDebounce time.Duration `yaml:"navigation_debounce" env:"VOLKEEPER_NAVIGATION_DEBOUNCE"`
	CorrectionDelay    time.Duration `yaml:"correction_delay"    env:"VOLKEEPER_CORRECTION_DELAY"`
	BindingTimeout     time.Duration `yaml:"binding_timeout"     env:"VOLKEEPER_BINDING_TIMEOUT"`
}

// EnforcementConfig tunes the guard.
type EnforcementConfig struct {
	Tolerance float64 `yaml:"tolerance" env:"VOLKEEPER_ENFORCEMENT_TOLERANCE"`
}

// IdentityConfig overrides the resolver's built-in lists.
type IdentityConfig struct {
	LabelSelectors    []string `yaml:"label_selectors"`
	MetadataPatterns  []string `yaml:"metadata_patterns"`
	URLPattern        string   `yaml:"url_pattern"         env:"VOLKEEPER_IDENTITY_URL_PATTERN"`
	DisableScriptEval bool     `yaml:"disable_script_eval" env:"VOLKEEPER_IDENTITY_DISABLE_SCRIPT_EVAL"`
}

// ControlConfig enables the control surfaces.
type ControlConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"VOLKEEPER_HTTP_ADDR"`
	MCPStdio bool   `yaml:"mcp_stdio" env:"VOLKEEPER_MCP_STDIO"`
}

// EventsConfig controls the event journal.
type EventsConfig struct {
	Disabled  bool          `yaml:"disabled"  env:"VOLKEEPER_EVENTS_DISABLED"`
	Retention time.Duration `yaml:"retention" env:"VOLKEEPER_EVENTS_RETENTION"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level" env:"VOLKEEPER_LOG_LEVEL"`
}

// Load reads the YAML file at path (skipped when path is empty), overlays
// the environment and fills in defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.ResourceBlocking == nil {
		c.Browser.ResourceBlocking = []string{"images", "fonts"}
	}
	if c.Store.Path == "" {
		c.Store.Path = "volkeeper.db"
	}
	if c.Store.Key == "" {
		c.Store.Key = "BILIBILI_UP_VOLUME_SETTINGS"
	}
	if c.Timing.StartupDelay <= 0 {
		c.Timing.StartupDelay = 1500 * time.Millisecond
	}
	if c.Timing.NavigationDebounce <= 0 {
		c.Timing.NavigationDebounce = time.Second
	}
	if c.Timing.CorrectionDelay <= 0 {
		c.Timing.CorrectionDelay = 100 * time.Millisecond
	}
	if c.Timing.BindingTimeout <= 0 {
		c.Timing.BindingTimeout = 5 * time.Second
	}
	if c.Enforcement.Tolerance <= 0 {
		c.Enforcement.Tolerance = 0.05
	}
	if c.Events.Retention <= 0 {
		c.Events.Retention = 30 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Page.URL == "" {
		errs = append(errs, errors.New("config: page.url is required"))
	} else if err := horosafe.ValidatePageURL(c.Page.URL); err != nil {
		errs = append(errs, fmt.Errorf("config: page.url: %w", err))
	}
	if c.Browser.Remote != "" {
		if err := horosafe.ValidateRemoteURL(c.Browser.Remote); err != nil {
			errs = append(errs, fmt.Errorf("config: browser.remote: %w", err))
		}
	}
	if c.Browser.Stealth != "headless" && c.Browser.Stealth != "headful" {
		errs = append(errs, fmt.Errorf("config: browser.stealth %q: want headless or headful", c.Browser.Stealth))
	}
	if c.Enforcement.Tolerance >= 1 {
		errs = append(errs, fmt.Errorf("config: enforcement.tolerance %v: want below 1", c.Enforcement.Tolerance))
	}
	return errors.Join(errs...)
}
