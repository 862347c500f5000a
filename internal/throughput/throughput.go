// Package throughput estimates crawl rate and time to completion from the
// number of pages finished in the trailing hour.
package throughput

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

const (
	// Window is the trailing period pages are counted over.
	Window = time.Hour
	// RingSize is how many recent completions are kept in memory.
	RingSize = 100
)

// HistoryCounter counts history entries recorded since a point in time.
type HistoryCounter interface {
	CountHistorySince(ctx context.Context, siteID string, since time.Time) (int64, error)
}

// Snapshot is one throughput reading.
type Snapshot struct {
	PagesPerHour float64       `json:"pages_per_hour"`
	Remaining    int64         `json:"remaining"`
	HasETA       bool          `json:"has_eta"`
	ETA          time.Duration `json:"eta"`
	ETAAt        time.Time     `json:"eta_at,omitempty"`
}

// Estimator derives pages per hour from stored history, falling back to an
// in-memory ring of recent completions when the store is unavailable.
type Estimator struct {
	siteID string
	store  HistoryCounter
	clock  crawler.Clock
	logger *zap.Logger

	mu   sync.Mutex
	ring [RingSize]time.Time
	next int
	size int
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New builds an Estimator. store may be nil, in which case only the ring is
// used.
func New(siteID string, store HistoryCounter, clock crawler.Clock, logger *zap.Logger) *Estimator {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{siteID: siteID, store: store, clock: clock, logger: logger}
}

// Observe records one completed page.
func (e *Estimator) Observe(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring[e.next] = at
	e.next = (e.next + 1) % RingSize
	if e.size < RingSize {
		e.size++
	}
}

// PagesPerHour returns the number of pages completed in the trailing hour.
// It is never negative.
func (e *Estimator) PagesPerHour(ctx context.Context) float64 {
	since := e.clock.Now().Add(-Window)
	if e.store != nil {
		n, err := e.store.CountHistorySince(ctx, e.siteID, since)
		if err == nil {
			return math.Max(float64(n), 0)
		}
		e.logger.Warn("history count failed, using recent completions", zap.Error(err))
	}
	return float64(e.recentSince(since))
}

func (e *Estimator) recentSince(since time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := 0; i < e.size; i++ {
		if !e.ring[i].Before(since) {
			n++
		}
	}
	return n
}

// ETA is the time needed to finish remaining pages at pph pages per hour.
// ok is false when either value leaves the estimate undefined.
func ETA(remaining int64, pph float64) (time.Duration, bool) {
	if remaining <= 0 || pph <= 0 || math.IsNaN(pph) || math.IsInf(pph, 0) {
		return 0, false
	}
	hours := float64(remaining) / pph
	if hours*float64(time.Hour) > float64(math.MaxInt64) {
		return 0, false
	}
	return time.Duration(hours * float64(time.Hour)), true
}

// Estimate reads the current rate and projects completion of remaining pages.
func (e *Estimator) Estimate(ctx context.Context, remaining int64) Snapshot {
	s := Snapshot{PagesPerHour: e.PagesPerHour(ctx), Remaining: remaining}
	if eta, ok := ETA(remaining, s.PagesPerHour); ok {
		s.HasETA = true
		s.ETA = eta
		s.ETAAt = e.clock.Now().Add(eta)
	}
	return s
}
