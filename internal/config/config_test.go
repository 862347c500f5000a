package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "Australia/Sydney", cfg.Site.Timezone)
	require.Equal(t, 5196, cfg.Site.TotalPagesEstimate)
	require.Equal(t, 72*time.Hour, cfg.RecrawlAfter())
	require.Equal(t, 50, cfg.Frontier.RescueEvery)
	require.Equal(t, 2, cfg.Browser.MinSize)
	require.Equal(t, 5, cfg.Browser.MaxSize)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "mongo", cfg.State.Backend)
	require.Equal(t, 1000, cfg.PubSub.OutboxSize)
	require.Equal(t, "Australia/Sydney", cfg.Location().String())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
site:
  id: council
  name: City Council
  base_urls: ["https://example.gov.au/"]
  excluded_prefixes: ["https://example.gov.au/search"]
  timezone: UTC
crawler:
  concurrency: 6
  domain_delay_seconds: 0.5
browser:
  min_size: 1
  max_size: 3
storage:
  backend: gcs
  gcs_bucket: snapshots-bucket
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "council", cfg.Site.ID)
	require.Equal(t, []string{"https://example.gov.au/"}, cfg.Site.BaseURLs)
	require.Equal(t, []string{"https://example.gov.au/search"}, cfg.Site.ExcludedPrefixes)
	require.Equal(t, 6, cfg.Crawler.Concurrency)
	require.Equal(t, 500*time.Millisecond, Seconds(cfg.Crawler.DomainDelaySeconds))
	require.Equal(t, 3, cfg.Browser.MaxSize)
	require.Equal(t, "snapshots-bucket", cfg.Storage.GCSBucket)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, time.UTC, cfg.Location())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SITEWATCH_SERVER_PORT", "7070")
	t.Setenv("SITEWATCH_MONGO_DATABASE", "sitewatch_test")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "sitewatch_test", cfg.Mongo.Database)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing site", func(c *Config) { c.Site.ID = "" }, "site.id"},
		{"bad timezone", func(c *Config) { c.Site.Timezone = "Mars/Olympus" }, "site.timezone"},
		{"invalid concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"negative delay", func(c *Config) { c.Crawler.DomainDelaySeconds = -1 }, "crawler delays"},
		{"pool bounds", func(c *Config) { c.Browser.MinSize = 9 }, "browser.min_size"},
		{"batch bounds", func(c *Config) { c.Batch.MinSize = 1000 }, "batch.min_size"},
		{"batch interval", func(c *Config) { c.Batch.MinIntervalMs = 0 }, "batch.min_interval_ms"},
		{"mongo", func(c *Config) { c.Mongo.URI = "" }, "mongo.uri"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"state backend", func(c *Config) { c.State.Backend = "redis" }, "state.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("memory state needs no mongo", func(t *testing.T) {
		t.Parallel()
		cfg := base
		cfg.State.Backend = "memory"
		cfg.Mongo.URI = ""
		require.NoError(t, cfg.Validate())
	})
}
