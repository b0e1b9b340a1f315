package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix shared by all environment overrides
const EnvPrefix = "FARSILAND_"

// Load reads the YAML config at path, expanding ${VAR} references, then applies FARSILAND_* overrides.
// A .env file in the working directory is loaded first when present.
// Defaults are not applied; call Validate afterwards.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from FARSILAND_* variables looked up through getenv
func (c *AppConfig) ApplyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			*dst = v
		}
	}
	str("BASE_URL", &c.BaseURL)
	str("SITEMAP_URL", &c.SitemapURL)
	str("FEED_URL", &c.FeedURL)
	str("USER_AGENT", &c.UserAgent)
	str("DATABASE_URL", &c.Database.URL)
	str("CACHE_DIR", &c.CacheDir)
	str("STATE_DIR", &c.StateDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("RABBITMQ_URL", &c.RabbitMQ.URL)

	ints := []struct {
		name string
		dst  *int
	}{
		{"MAX_ITEMS", &c.MaxItems},
		{"RETRY_COUNT", &c.MaxAttempts},
		{"NUM_WORKERS", &c.NumWorkers},
	}
	for _, e := range ints {
		v := strings.TrimSpace(getenv(EnvPrefix + e.name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s%s: invalid integer %q", EnvPrefix, e.name, v)
		}
		*e.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"REQUEST_TIMEOUT", &c.HTTPClientSettings.Timeout},
		{"RETRY_DELAY", &c.InitialRetryDelay},
		{"SCRAPE_INTERVAL", &c.ScrapeInterval},
	}
	for _, e := range durations {
		v := strings.TrimSpace(getenv(EnvPrefix + e.name))
		if v == "" {
			continue
		}
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, e.name, err)
		}
		*e.dst = d
	}
	return nil
}

// parseSecondsOrDuration accepts a bare integer as seconds, otherwise a Go duration string
func parseSecondsOrDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
