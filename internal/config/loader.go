package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML file at path (empty path means defaults only),
// expands ${VAR} references, applies environment overrides, and
// validates the result. Paywall rules supplied in config are applied
// as a side effect of validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a config from raw YAML, for tests and embedded use.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} with the environment value, leaving
// unknown references untouched.
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// applyEnv overlays well-known environment variables onto the config.
// Environment wins over file values.
func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&cfg.Listen, "LISTEN_ADDR")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.APIToken, "API_TOKEN")
	setStr(&cfg.Proxy.URL, "PROXY_URL")
	setStr(&cfg.Proxy.Pool, "PROXY_POOL")
	setStr(&cfg.Paywall.RulesJSON, "PAYWALL_RULES_JSON")
	setStr(&cfg.Images.BucketURL, "IMAGE_BUCKET_URL")
	setStr(&cfg.Browser.ExecPath, "BROWSER_EXEC_PATH")
	setInt(&cfg.Browser.MaxConcurrent, "BROWSER_MAX_CONCURRENT")
	setInt(&cfg.Browser.QueueTimeoutMs, "BROWSER_QUEUE_TIMEOUT_MS")

	if v, ok := os.LookupEnv("REDIS_ADDR"); ok && v != "" {
		cfg.Cache.Backend = "redis"
		cfg.Cache.RedisAddr = v
	}
}
