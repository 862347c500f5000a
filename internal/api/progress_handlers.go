package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/batch"
	"github.com/JakeFAU/sitewatch/internal/browserpool"
	"github.com/JakeFAU/sitewatch/internal/cache"
	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/dispatcher"
	"github.com/JakeFAU/sitewatch/internal/frontier"
	"github.com/JakeFAU/sitewatch/internal/throughput"
)

const progressTimeout = 3 * time.Second

// ProgressSource reports the current cycle.
type ProgressSource interface {
	Progress(ctx context.Context) (frontier.Progress, error)
	Today() string
	SiteID() string
}

// Estimator projects completion from the remaining count.
type Estimator interface {
	Estimate(ctx context.Context, remaining int64) throughput.Snapshot
}

// DailyStatsReader loads per-day counters.
type DailyStatsReader interface {
	DailyStats(ctx context.Context, siteID, date string) (crawler.DailyStats, error)
}

// ProgressDeps are the read-only collaborators behind the /v1 routes. Any of
// them may be nil; the matching route then answers 503.
type ProgressDeps struct {
	Frontier   ProgressSource
	Estimator  Estimator
	Stats      DailyStatsReader
	Pool       func() browserpool.Stats
	Batch      func() batch.Stats
	Caches     map[string]func() cache.Stats
	Dispatcher func() dispatcher.Stats
}

// ProgressHandler exposes read-only crawl progress endpoints.
type ProgressHandler struct {
	deps    ProgressDeps
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the readers and logger.
func NewProgressHandler(deps ProgressDeps, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		deps:    deps,
		timeout: progressTimeout,
		logger:  logger,
	}
}

type progressResponse struct {
	Progress   frontier.Progress   `json:"progress"`
	Throughput *throughput.Snapshot `json:"throughput,omitempty"`
	Dispatcher *dispatcher.Stats   `json:"dispatcher,omitempty"`
}

// Progress handles GET /v1/progress.
func (h *ProgressHandler) Progress(w http.ResponseWriter, r *http.Request) {
	if h.deps.Frontier == nil {
		writeError(w, http.StatusServiceUnavailable, "frontier unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, err := h.deps.Frontier.Progress(ctx)
	if err != nil {
		h.logger.Error("progress lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	resp := progressResponse{Progress: p}
	if h.deps.Estimator != nil {
		snap := h.deps.Estimator.Estimate(ctx, p.Remaining)
		resp.Throughput = &snap
	}
	if h.deps.Dispatcher != nil {
		stats := h.deps.Dispatcher()
		resp.Dispatcher = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// DailyStats handles GET /v1/stats/daily?date=YYYY-MM-DD. The date
// defaults to today in the site timezone.
func (h *ProgressHandler) DailyStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stats == nil || h.deps.Frontier == nil {
		writeError(w, http.StatusServiceUnavailable, "stats store unavailable")
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.deps.Frontier.Today()
	} else if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.deps.Stats.DailyStats(ctx, h.deps.Frontier.SiteID(), date)
	if err != nil {
		h.logger.Error("daily stats lookup failed", zap.String("date", date), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load daily stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Pool handles GET /v1/pool.
func (h *ProgressHandler) Pool(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "browser pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Pool())
}

// Batch handles GET /v1/batch.
func (h *ProgressHandler) Batch(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Batch == nil {
		writeError(w, http.StatusServiceUnavailable, "batch writer unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Batch())
}

// Caches handles GET /v1/cache.
func (h *ProgressHandler) Caches(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]cache.Stats, len(h.deps.Caches))
	for name, stats := range h.deps.Caches {
		out[name] = stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{"caches": out})
}
