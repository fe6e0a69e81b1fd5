// Package config loads and validates citywatch configuration.
// Configuration lives in a single YAML file (default .citywatch/config.yaml);
// API keys are never stored in the file and are resolved from the
// environment at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all citywatch configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Ordered provider list. Priority within a capability follows
	// priority_rank ascending.
	Providers []ProviderConfig `yaml:"providers"`

	Quota     QuotaConfig     `yaml:"quota"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Browser   BrowserConfig   `yaml:"browser"`
	Session   SessionConfig   `yaml:"session"`
	Signals   SignalsConfig   `yaml:"signals"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProviderConfig describes one search provider entry.
// Recognized options: daily_limit, priority_rank, timeout_seconds, enabled.
type ProviderConfig struct {
	ID             string   `yaml:"id"`
	Capabilities   []string `yaml:"capabilities"`
	PriorityRank   int      `yaml:"priority_rank"`
	TimeoutSeconds float64  `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
	// DailyLimit > 0 puts the provider under shared daily quota accounting.
	// 0 means unmetered (the provider may still rate-limit on its own side).
	DailyLimit int `yaml:"daily_limit"`
	// BaseURL overrides the adapter's default endpoint (tests, proxies).
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`
	// RatePerSecond bounds provider-side call rate. 0 disables the limiter.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// Timeout returns the per-attempt timeout for this provider.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.TimeoutSeconds * float64(time.Second))
}

// APIKey resolves the provider API key from the environment.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// QuotaConfig configures the shared daily quota tracker.
type QuotaConfig struct {
	// StatePath is the JSON file the tracker persists counters to.
	// Empty disables persistence (counters live for the process only).
	StatePath string `yaml:"state_path"`
	// PerCapability keys counters by provider AND capability instead of
	// one shared pool per provider.
	PerCapability bool `yaml:"per_capability"`
	// ResetTimezone is the IANA zone providers reset their day in.
	ResetTimezone string `yaml:"reset_timezone"`
}

// Location resolves the quota reset timezone, defaulting to UTC.
func (q QuotaConfig) Location() *time.Location {
	if q.ResetTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(q.ResetTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EvidenceConfig configures evidence persistence and completion criteria.
type EvidenceConfig struct {
	DatabasePath string `yaml:"database_path"`
	// MinRecords is the total-evidence threshold that completes a
	// session even when a required capability produced nothing.
	MinRecords int `yaml:"min_records"`
	// MaxItemsPerResult caps how many items of one provider result are
	// collected.
	MaxItemsPerResult int `yaml:"max_items_per_result"`
}

// ArtifactsConfig configures the artifact store gateway.
type ArtifactsConfig struct {
	Backend  string `yaml:"backend"` // "local" or "s3"
	LocalDir string `yaml:"local_dir"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// BrowserConfig configures headless-Chrome screenshot capture.
type BrowserConfig struct {
	Headless            bool   `yaml:"headless"`
	Bin                 string `yaml:"bin"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	MaxScreenshots      int    `yaml:"max_screenshots"`
}

// NavigationTimeout returns the page navigation timeout.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.NavigationTimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(b.NavigationTimeoutMs) * time.Millisecond
}

// SessionConfig configures investigation sessions.
type SessionConfig struct {
	DeadlineSeconds      int      `yaml:"deadline_seconds"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
}

// Deadline returns the overall session deadline.
func (s SessionConfig) Deadline() time.Duration {
	if s.DeadlineSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(s.DeadlineSeconds) * time.Second
}

// SignalsConfig configures the inbound signal spool watcher.
type SignalsConfig struct {
	SpoolDir    string `yaml:"spool_dir"`
	MaxParallel int    `yaml:"max_parallel"`
}

// LoggingConfig mirrors internal/logging's expectations.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
}

// Default returns a configuration with sensible development defaults.
func Default() *Config {
	return &Config{
		Name:    "citywatch",
		Version: "0.3.0",
		Providers: []ProviderConfig{
			{ID: "brave-text", Capabilities: []string{"web_text"}, PriorityRank: 0, TimeoutSeconds: 10, Enabled: true, APIKeyEnv: "BRAVE_API_KEY", RatePerSecond: 1},
			{ID: "newsapi", Capabilities: []string{"web_news"}, PriorityRank: 0, TimeoutSeconds: 10, Enabled: true, APIKeyEnv: "NEWSAPI_KEY", RatePerSecond: 1},
			{ID: "openverse", Capabilities: []string{"image"}, PriorityRank: 0, TimeoutSeconds: 15, Enabled: true, RatePerSecond: 1},
			{ID: "serpapi", Capabilities: []string{"web_text", "web_news", "image"}, PriorityRank: 9, TimeoutSeconds: 15, Enabled: true, DailyLimit: 100, APIKeyEnv: "SERPAPI_KEY", RatePerSecond: 0.5},
		},
		Quota: QuotaConfig{
			StatePath: ".citywatch/quota.json",
		},
		Evidence: EvidenceConfig{
			DatabasePath:      ".citywatch/evidence.db",
			MinRecords:        0,
			MaxItemsPerResult: 10,
		},
		Artifacts: ArtifactsConfig{
			Backend:  "local",
			LocalDir: ".citywatch/artifacts",
			S3Prefix: "evidence/",
		},
		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1366,
			ViewportHeight:      900,
			NavigationTimeoutMs: 20000,
			MaxScreenshots:      3,
		},
		Session: SessionConfig{
			DeadlineSeconds:      120,
			RequiredCapabilities: []string{"web_text", "image"},
		},
		Signals: SignalsConfig{
			SpoolDir:    ".citywatch/spool",
			MaxParallel: 4,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, applying defaults for missing
// sections. A missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as late
// configuration errors inside a running investigation.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if len(p.Capabilities) == 0 {
			return fmt.Errorf("provider %q declares no capabilities", p.ID)
		}
		if p.DailyLimit < 0 {
			return fmt.Errorf("provider %q: daily_limit must be >= 0", p.ID)
		}
	}
	for _, cap := range c.Session.RequiredCapabilities {
		switch cap {
		case "web_text", "web_news", "image":
		default:
			return fmt.Errorf("unknown required capability %q", cap)
		}
	}
	return nil
}

// Save writes the config back to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
