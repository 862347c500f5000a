// Package ratelimit enforces a minimum delay between requests to the same host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/metrics"
)

// DefaultMinDelay is the spacing applied when Config.MinDelay is unset.
const DefaultMinDelay = 2 * time.Second

// Config holds rate limiter configuration.
type Config struct {
	// MinDelay is the minimum time between two requests to one host.
	// Negative disables limiting.
	MinDelay time.Duration
}

// Limiter manages per-host token buckets with burst 1.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	switch {
	case cfg.MinDelay == 0:
		limit = rate.Every(DefaultMinDelay)
	case cfg.MinDelay > 0:
		limit = rate.Every(cfg.MinDelay)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
	}
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.limit, 1)
		l.limiters[host] = lim
	}
	return lim
}

// Wait blocks until a request to rawURL's host may proceed and returns the
// time spent waiting.
func (l *Limiter) Wait(ctx context.Context, rawURL string) (time.Duration, error) {
	host := crawler.Host(rawURL)
	if host == "" {
		host = "unknown"
	}
	start := time.Now()
	if err := l.forHost(host).Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait: %w", err)
	}
	waited := time.Since(start)
	if waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return waited, nil
}

// Hosts returns the number of hosts tracked.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
