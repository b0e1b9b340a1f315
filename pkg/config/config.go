package config

import (
	"net/url"
	"path/filepath"
	"time"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	BaseURL            string           `yaml:"base_url"`
	SitemapURL         string           `yaml:"sitemap_url"`
	FeedURL            string           `yaml:"feed_url"`
	UserAgent          string           `yaml:"user_agent,omitempty"`
	DelayPerHost       time.Duration    `yaml:"delay_per_host,omitempty"`
	IgnoreRobots       bool             `yaml:"ignore_robots,omitempty"`
	NumWorkers         int              `yaml:"num_workers"`
	MaxItems           int              `yaml:"max_items,omitempty"` // Per content type cap after discovery (0 = unlimited)
	MaxAttempts        int              `yaml:"max_attempts,omitempty"`
	InitialRetryDelay  time.Duration    `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay      time.Duration    `yaml:"max_retry_delay,omitempty"`
	CacheDir           string           `yaml:"cache_dir"`
	CacheTTL           time.Duration    `yaml:"cache_ttl,omitempty"` // 0 = entries never expire
	StateDir           string           `yaml:"state_dir"`
	TrackerFile        string           `yaml:"tracker_file,omitempty"`
	NotifyDir          string           `yaml:"notify_dir,omitempty"`
	ScrapeInterval     time.Duration    `yaml:"scrape_interval,omitempty"`
	ReprocessAll       bool             `yaml:"reprocess_all,omitempty"`
	LogLevel           string           `yaml:"log_level,omitempty"`
	MetricsAddr        string           `yaml:"metrics_addr,omitempty"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Database           DatabaseConfig   `yaml:"database"`
	RabbitMQ           RabbitMQConfig   `yaml:"rabbitmq,omitempty"`
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	MaxConns       int32         `yaml:"max_conns,omitempty"`
	MaxRetries     int           `yaml:"max_retries,omitempty"` // Attempts for transient errors
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// RabbitMQConfig holds the new-content publisher settings
type RabbitMQConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// Host returns the hostname of BaseURL, or "" if it does not parse
func (c *AppConfig) Host() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// EffectiveNotifyDir returns the directory for new-content files, defaulting to the state dir
func (c *AppConfig) EffectiveNotifyDir() string {
	if c.NotifyDir != "" {
		return c.NotifyDir
	}
	return c.StateDir
}

// WatchStateFile returns the path of the watch scheduler state
func (c *AppConfig) WatchStateFile() string {
	return filepath.Join(c.StateDir, "watch_state.json")
}
