// Package api hosts the HTTP server, middleware, and read-only handlers for
// operators. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings MongoDB.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for cycle progress, throughput and ETA.
//   - GET /v1/stats/daily, /v1/pool, /v1/batch and /v1/cache for component
//     statistics.
package api
