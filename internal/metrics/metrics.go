// Package metrics exposes Prometheus collectors for the sitewatch service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	claimsTotal                *prometheus.CounterVec
	rescuedTotal               prometheus.Counter
	batchFlushesTotal          *prometheus.CounterVec
	batchFlushSeconds          prometheus.Histogram
	batchSize                  prometheus.Gauge
	cacheRequestsTotal         *prometheus.CounterVec
	browserSessions            *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_pages_total",
				Help: "Total number of pages processed, labeled by site and page type.",
			},
			[]string{"site", "page_type"},
		)

		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_claims_total",
				Help: "URLs claimed from the frontier, labeled by source.",
			},
			[]string{"source"},
		)

		rescuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitewatch_rescued_total",
				Help: "In-progress URLs returned to the frontier after getting stuck.",
			},
		)

		batchFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_batch_flushes_total",
				Help: "Batch writer flushes, labeled by result.",
			},
			[]string{"result"},
		)

		batchFlushSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitewatch_batch_flush_seconds",
				Help:    "Latency of batch writer flushes.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		batchSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitewatch_batch_size",
				Help: "Current adaptive batch size.",
			},
		)

		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_cache_requests_total",
				Help: "Cache lookups, labeled by cache and result.",
			},
			[]string{"cache", "result"},
		)

		browserSessions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sitewatch_browser_sessions",
				Help: "Pooled browser sessions, labeled by state.",
			},
			[]string{"state"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitewatch_rate_limit_delay_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitewatch_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitewatch_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one processed page.
func ObservePage(site, pageType string) {
	Init()
	pagesTotal.WithLabelValues(site, pageType).Inc()
}

// ObserveClaim counts a frontier claim. Source is "remaining" or "recrawl".
func ObserveClaim(source string) {
	Init()
	claimsTotal.WithLabelValues(source).Inc()
}

// ObserveRescued adds n rescued URLs.
func ObserveRescued(n int) {
	Init()
	if n > 0 {
		rescuedTotal.Add(float64(n))
	}
}

// ObserveFlush records one batch flush and the batch size in effect.
func ObserveFlush(ok bool, duration time.Duration, size int) {
	Init()
	result := "success"
	if !ok {
		result = "error"
	}
	batchFlushesTotal.WithLabelValues(result).Inc()
	batchFlushSeconds.Observe(duration.Seconds())
	batchSize.Set(float64(size))
}

// ObserveCache counts a cache lookup.
func ObserveCache(cache string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequestsTotal.WithLabelValues(cache, result).Inc()
}

// SetBrowserSessions publishes the pool's idle and active session counts.
func SetBrowserSessions(idle, active int) {
	Init()
	browserSessions.WithLabelValues("idle").Set(float64(idle))
	browserSessions.WithLabelValues("active").Set(float64(active))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
