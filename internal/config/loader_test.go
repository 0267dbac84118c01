package config

import (
	"strings"
	"testing"

	"github.com/wudi/urlmd/internal/paywall"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Cache.Backend != "memory" {
		t.Errorf("defaults = %+v", cfg)
	}
	if !cfg.Browser.Enabled || cfg.Browser.MaxConcurrent != 2 {
		t.Errorf("browser defaults = %+v", cfg.Browser)
	}
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: ":9000"
log_level: debug
browser:
  max_concurrent: 4
proxy:
  url: user:pass@proxy.example.com:8080
crawl:
  rate_per_sec: 2
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Browser.MaxConcurrent != 4 {
		t.Errorf("max_concurrent = %d", cfg.Browser.MaxConcurrent)
	}
	if cfg.Browser.QueueTimeoutMs != 10000 {
		t.Errorf("unset field lost default: %d", cfg.Browser.QueueTimeoutMs)
	}
	if cfg.Crawl.RatePerSec != 2 {
		t.Errorf("rate = %v", cfg.Crawl.RatePerSec)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_URLMD_TOKEN", "sekret")
	cfg, err := Parse([]byte("api_token: ${TEST_URLMD_TOKEN}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.APIToken != "sekret" {
		t.Errorf("token = %q", cfg.APIToken)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("PROXY_URL", "u:p@10.0.0.9:3128")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("BROWSER_MAX_CONCURRENT", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":7070" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Proxy.URL != "u:p@10.0.0.9:3128" {
		t.Errorf("proxy = %q", cfg.Proxy.URL)
	}
	if cfg.Cache.Backend != "redis" || cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Browser.MaxConcurrent != 8 {
		t.Errorf("max_concurrent = %d", cfg.Browser.MaxConcurrent)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad listen", func(c *Config) { c.Listen = "nope" }, "listen"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "level"},
		{"bad backend", func(c *Config) { c.Cache.Backend = "etcd" }, "backend"},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis" }, "redis_addr"},
		{"zero concurrency", func(c *Config) { c.Browser.MaxConcurrent = 0 }, "max_concurrent"},
		{"bad proxy", func(c *Config) { c.Proxy.URL = "no port here" }, "proxy"},
		{"empty pool", func(c *Config) { c.Proxy.Pool = ",," }, "pool"},
		{"negative rate", func(c *Config) { c.Crawl.RatePerSec = -1 }, "rate_per_sec"},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want mention of %q", tt.name, err, tt.want)
		}
	}
}

func TestValidateAppliesPaywallRules(t *testing.T) {
	defer paywall.ResetRules()
	cfg := Default()
	cfg.Paywall.RulesJSON = `[{"domains":["paywalled.example"],"googlebot":true}]`
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if paywall.GetRule("paywalled.example") == nil {
		t.Error("rules not applied")
	}

	cfg.Paywall.RulesJSON = `{"not":"a list"}`
	if err := cfg.Validate(); err == nil {
		t.Error("invalid rules accepted")
	}
}
