// Package config loads and validates sitewatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	_ "time/tzdata" // site timezones must resolve in minimal containers

	"github.com/spf13/viper"
)

// Config captures every service configuration knob.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Site     SiteConfig     `mapstructure:"site"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Retry    RetryConfig    `mapstructure:"retry"`
	State    StateConfig    `mapstructure:"state"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	DB       DBConfig       `mapstructure:"db"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SiteConfig identifies the monitored site.
type SiteConfig struct {
	ID                 string   `mapstructure:"id"`
	Name               string   `mapstructure:"name"`
	BaseURLs           []string `mapstructure:"base_urls"`
	ExcludedPrefixes   []string `mapstructure:"excluded_prefixes"`
	Timezone           string   `mapstructure:"timezone"`
	TotalPagesEstimate int      `mapstructure:"total_pages_estimate"`
}

// FrontierConfig tunes recrawl and maintenance cadence.
type FrontierConfig struct {
	RecrawlDays     int `mapstructure:"recrawl_days"`
	StuckMinutes    int `mapstructure:"stuck_minutes"`
	RescueEvery     int `mapstructure:"rescue_every"`
	ProgressEvery   int `mapstructure:"progress_every"`
	IdleWaitSeconds int `mapstructure:"idle_wait_seconds"`
}

// CrawlerConfig governs the worker pipeline.
type CrawlerConfig struct {
	Concurrency            int     `mapstructure:"concurrency"`
	DomainDelaySeconds     float64 `mapstructure:"domain_delay_seconds"`
	PolitenessDelaySeconds float64 `mapstructure:"politeness_delay_seconds"`
	UserAgent              string  `mapstructure:"user_agent"`
	MinContentBytes        int     `mapstructure:"min_content_bytes"`
	ProbeTimeoutSeconds    int     `mapstructure:"probe_timeout_seconds"`
}

// BrowserConfig sizes the headless session pool.
type BrowserConfig struct {
	MinSize               int    `mapstructure:"min_size"`
	MaxSize               int    `mapstructure:"max_size"`
	MaxAgeMinutes         int    `mapstructure:"max_age_minutes"`
	MaxUses               int    `mapstructure:"max_uses"`
	SweepSeconds          int    `mapstructure:"sweep_seconds"`
	AcquireTimeoutSeconds int    `mapstructure:"acquire_timeout_seconds"`
	NavTimeoutSeconds     int    `mapstructure:"nav_timeout_seconds"`
	Headless              bool   `mapstructure:"headless"`
	ExecPath              string `mapstructure:"exec_path"`
}

// BatchConfig bounds the adaptive write-behind buffer.
type BatchConfig struct {
	MinSize           int `mapstructure:"min_size"`
	MaxSize           int `mapstructure:"max_size"`
	InitialSize       int `mapstructure:"initial_size"`
	MinIntervalMs     int `mapstructure:"min_interval_ms"`
	MaxIntervalMs     int `mapstructure:"max_interval_ms"`
	InitialIntervalMs int `mapstructure:"initial_interval_ms"`
	BufferSize        int `mapstructure:"buffer_size"`
}

// CacheConfig sizes the read-through record cache.
type CacheConfig struct {
	Capacity   int `mapstructure:"capacity"`
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// RetryConfig is the shared backoff policy.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// StateConfig selects where URL records and crawl history live. "memory"
// keeps them in process and loses them on restart.
type StateConfig struct {
	Backend string `mapstructure:"backend"`
}

// MongoConfig locates the state database.
type MongoConfig struct {
	URI                   string `mapstructure:"uri"`
	Database              string `mapstructure:"database"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
}

// StorageConfig selects the snapshot blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the notification topic.
type PubSubConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	TopicName  string `mapstructure:"topic_name"`
	OutboxSize int    `mapstructure:"outbox_size"`
}

// DBConfig points at the optional Postgres alert log.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from an optional file plus SITEWATCH_* environment
// overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("site.id", "default")
	v.SetDefault("site.base_urls", []string{})
	v.SetDefault("site.excluded_prefixes", []string{})
	v.SetDefault("site.timezone", "Australia/Sydney")
	v.SetDefault("site.total_pages_estimate", 5196)
	v.SetDefault("frontier.recrawl_days", 3)
	v.SetDefault("frontier.stuck_minutes", 60)
	v.SetDefault("frontier.rescue_every", 50)
	v.SetDefault("frontier.progress_every", 10)
	v.SetDefault("frontier.idle_wait_seconds", 300)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.domain_delay_seconds", 2)
	v.SetDefault("crawler.politeness_delay_seconds", 1)
	v.SetDefault("crawler.user_agent", "sitewatch/1.0")
	v.SetDefault("crawler.min_content_bytes", 100)
	v.SetDefault("crawler.probe_timeout_seconds", 15)
	v.SetDefault("browser.min_size", 2)
	v.SetDefault("browser.max_size", 5)
	v.SetDefault("browser.max_age_minutes", 30)
	v.SetDefault("browser.max_uses", 100)
	v.SetDefault("browser.sweep_seconds", 60)
	v.SetDefault("browser.acquire_timeout_seconds", 30)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.headless", true)
	v.SetDefault("batch.min_size", 10)
	v.SetDefault("batch.max_size", 500)
	v.SetDefault("batch.initial_size", 100)
	v.SetDefault("batch.min_interval_ms", 100)
	v.SetDefault("batch.max_interval_ms", 5000)
	v.SetDefault("batch.initial_interval_ms", 1000)
	v.SetDefault("batch.buffer_size", 4096)
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("state.backend", "mongo")
	v.SetDefault("pubsub.outbox_size", 1000)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "sitewatch")
	v.SetDefault("mongo.connect_timeout_seconds", 10)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "./snapshots")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("db.table", "page_alerts")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Site.ID == "" {
		return fmt.Errorf("site.id must be set")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		return fmt.Errorf("site.timezone must be a valid IANA zone: %w", err)
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.DomainDelaySeconds < 0 || c.Crawler.PolitenessDelaySeconds < 0 {
		return fmt.Errorf("crawler delays must be >= 0")
	}
	if c.Browser.MaxSize <= 0 {
		return fmt.Errorf("browser.max_size must be > 0")
	}
	if c.Browser.MinSize > c.Browser.MaxSize {
		return fmt.Errorf("browser.min_size must be <= browser.max_size")
	}
	if c.Batch.MinSize <= 0 || c.Batch.MinSize > c.Batch.MaxSize {
		return fmt.Errorf("batch.min_size must be > 0 and <= batch.max_size")
	}
	if c.Batch.MinIntervalMs <= 0 || c.Batch.MinIntervalMs > c.Batch.MaxIntervalMs {
		return fmt.Errorf("batch.min_interval_ms must be > 0 and <= batch.max_interval_ms")
	}
	switch c.State.Backend {
	case "", "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("mongo.uri and mongo.database must be set")
		}
	case "memory":
	default:
		return fmt.Errorf("state.backend must be one of mongo, memory")
	}
	switch c.Storage.Backend {
	case "", "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	return nil
}

// Location returns the site-local timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RecrawlAfter is how long a visited URL rests before it is due again.
func (c Config) RecrawlAfter() time.Duration {
	return time.Duration(c.Frontier.RecrawlDays) * 24 * time.Hour
}

// Seconds converts a fractional second count to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
