// Package main hosts the sitewatch service entrypoint.
//
// Architecture overview:
//   - Frontier: every URL of the monitored site lives in MongoDB with a
//     remaining, in_progress or visited status. Workers claim atomically;
//     visited URLs come back once they are older than the recrawl window.
//   - Dispatcher & workers: a fixed set of goroutines, sized by
//     crawler.concurrency, claims URLs and runs the page pipeline. Stuck
//     claims are rescued at startup and every frontier.rescue_every pages.
//   - Page pipeline: a per-host rate limiter, then either a Colly probe for
//     documents or a pooled headless Chrome session for web pages. Snapshots
//     and screenshots go to the configured BlobStore (memory/local/GCS); the
//     previous snapshot is kept as page.old.html and diffed against the new
//     one with dates and dynamic tokens stripped.
//   - Alerts: new, changed and deleted pages are published to Pub/Sub when a
//     topic is configured and optionally logged to Postgres.
//   - Persistence: frontier bookkeeping, daily stats and history flow through
//     an adaptive write-behind batch writer; hot records are cached in an
//     LRU with a TTL.
//   - Configuration & plumbing: Viper populates config from a file plus
//     SITEWATCH_* env vars; zap provides structured logging; Prometheus
//     metrics and read-only progress endpoints are served by the chi API.
//
// Quick checklist:
//   - Configure env vars: SITEWATCH_SITE_ID, SITEWATCH_SITE_BASE_URLS,
//     SITEWATCH_MONGO_URI, storage (SITEWATCH_STORAGE_*), pubsub, and
//     SITEWATCH_DB_DSN when an alert log is wanted.
//   - Run locally: go run ./cmd/sitewatch -config config.yaml
//   - SIGTERM drains in-flight pages, flushes pending writes and closes the
//     browser pool.
package main
