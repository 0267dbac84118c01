// Package config loads service configuration from an optional YAML
// file with ${VAR} expansion, then applies environment overrides, so a
// containerized deployment can run with no file at all.
package config

import (
	"fmt"
	"net"

	"github.com/wudi/urlmd/internal/logging"
	"github.com/wudi/urlmd/internal/paywall"
	"github.com/wudi/urlmd/internal/proxyclient"
)

// Config is the full service configuration.
type Config struct {
	Listen       string `yaml:"listen"`
	LogLevel     string `yaml:"log_level"`
	APIToken     string `yaml:"api_token"`
	AllowPrivate bool   `yaml:"allow_private"`

	Cache   CacheConfig   `yaml:"cache"`
	Browser BrowserConfig `yaml:"browser"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Paywall PaywallConfig `yaml:"paywall"`
	Images  ImagesConfig  `yaml:"images"`
	Crawl   CrawlConfig   `yaml:"crawl"`
}

// CacheConfig selects the conversion-cache backend.
type CacheConfig struct {
	Backend    string `yaml:"backend"` // memory or redis
	RedisAddr  string `yaml:"redis_addr"`
	MaxEntries int    `yaml:"max_entries"`
}

// BrowserConfig tunes headless rendering and its admission gate.
type BrowserConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ExecPath       string `yaml:"exec_path"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	QueueTimeoutMs int    `yaml:"queue_timeout_ms"`
	MaxQueueLength int    `yaml:"max_queue_length"`
}

// ProxyConfig holds the forward proxy used for second-chance retries.
// Pool is a comma-separated list of user:pass@host:port entries.
type ProxyConfig struct {
	URL  string `yaml:"url"`
	Pool string `yaml:"pool"`
}

// PaywallConfig optionally replaces the built-in rule table.
type PaywallConfig struct {
	RulesJSON string `yaml:"rules_json"`
}

// ImagesConfig selects the captured-image bucket.
type ImagesConfig struct {
	BucketURL string `yaml:"bucket_url"`
}

// CrawlConfig tunes deep-crawl pacing.
type CrawlConfig struct {
	RatePerSec    float64 `yaml:"rate_per_sec"`
	Burst         int     `yaml:"burst"`
	NodeTimeoutMs int     `yaml:"node_timeout_ms"`
	IgnoreRobots  bool    `yaml:"ignore_robots"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Cache: CacheConfig{
			Backend:    "memory",
			MaxEntries: 4096,
		},
		Browser: BrowserConfig{
			Enabled:        true,
			MaxConcurrent:  2,
			QueueTimeoutMs: 10000,
			MaxQueueLength: 32,
		},
		Crawl: CrawlConfig{
			RatePerSec:    4,
			Burst:         4,
			NodeTimeoutMs: 25000,
		},
	}
}

// Validate checks cross-field consistency after load.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache max_entries must be positive")
	}

	if c.Browser.Enabled {
		if c.Browser.MaxConcurrent < 1 {
			return fmt.Errorf("browser max_concurrent must be at least 1")
		}
		if c.Browser.QueueTimeoutMs < 1 {
			return fmt.Errorf("browser queue_timeout_ms must be at least 1")
		}
	}

	if c.Proxy.URL != "" {
		if _, err := proxyclient.ParseProxyURL(c.Proxy.URL); err != nil {
			return fmt.Errorf("invalid proxy url: %w", err)
		}
	}
	if c.Proxy.Pool != "" && len(proxyclient.ParsePool(c.Proxy.Pool)) == 0 {
		return fmt.Errorf("proxy pool contains no valid entries")
	}

	if c.Paywall.RulesJSON != "" {
		if err := paywall.LoadRulesJSON([]byte(c.Paywall.RulesJSON)); err != nil {
			return fmt.Errorf("invalid paywall rules: %w", err)
		}
	}

	if c.Crawl.RatePerSec < 0 {
		return fmt.Errorf("crawl rate_per_sec must not be negative")
	}
	return nil
}
