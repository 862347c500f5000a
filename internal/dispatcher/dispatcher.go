// Package dispatcher fans frontier work out to a fixed set of worker
// goroutines and runs the periodic crawl maintenance between tasks.
package dispatcher

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/frontier"
	"github.com/JakeFAU/sitewatch/internal/metrics"
	"github.com/JakeFAU/sitewatch/internal/throughput"
)

// Defaults applied to zero Config fields.
const (
	DefaultRescueEvery   = 50
	DefaultProgressEvery = 10
	DefaultStuckAfter    = 60 * time.Minute
	DefaultIdleWait      = 5 * time.Minute
	DefaultErrorBackoff  = 5 * time.Second
)

// Frontier is the work source.
type Frontier interface {
	Next(ctx context.Context) (string, bool, error)
	RescueStuck(ctx context.Context, stuckAfter time.Duration) (int, error)
	CompleteCycle(ctx context.Context) (crawler.SiteState, error)
	Progress(ctx context.Context) (frontier.Progress, error)
}

// Processor handles one claimed URL.
type Processor interface {
	Process(ctx context.Context, url string) crawler.PageType
}

// Estimator turns the remaining count into a throughput snapshot.
type Estimator interface {
	Estimate(ctx context.Context, remaining int64) throughput.Snapshot
}

// Config tunes the dispatcher.
type Config struct {
	Workers       int
	RescueEvery   int
	ProgressEvery int
	StuckAfter    time.Duration
	IdleWait      time.Duration
	ErrorBackoff  time.Duration
}

// Stats are dispatcher counters.
type Stats struct {
	Completed int64 `json:"completed"`
	Cycles    int64 `json:"cycles_completed"`
	Rescued   int64 `json:"rescued"`
	Busy      int64 `json:"busy_workers"`
}

// Dispatcher runs Workers goroutines that claim from the frontier until the
// context ends.
type Dispatcher struct {
	cfg       Config
	frontier  Frontier
	processor Processor
	estimator Estimator
	logger    *zap.Logger

	completed  atomic.Int64
	sinceCycle atomic.Int64
	cycles     atomic.Int64
	rescued    atomic.Int64
	busy       atomic.Int64
	cycleMu    sync.Mutex
}

// New creates a Dispatcher. estimator may be nil.
func New(cfg Config, f Frontier, p Processor, estimator Estimator, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RescueEvery <= 0 {
		cfg.RescueEvery = DefaultRescueEvery
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultStuckAfter
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultIdleWait
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		frontier:  f,
		processor: p,
		estimator: estimator,
		logger:    logger,
	}
}

// Run rescues URLs orphaned by a previous run, starts the workers and
// blocks until the context finishes and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.rescue(ctx)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			d.loop(ctx, d.logger.With(zap.Int("worker", index)))
		}(i)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.Workers))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped", zap.Int64("completed", d.completed.Load()))
}

// Stats reports dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Completed: d.completed.Load(),
		Cycles:    d.cycles.Load(),
		Rescued:   d.rescued.Load(),
		Busy:      d.busy.Load(),
	}
}

func (d *Dispatcher) loop(ctx context.Context, logger *zap.Logger) {
	for ctx.Err() == nil {
		d.busy.Add(1)
		url, ok, err := d.frontier.Next(ctx)
		if err != nil || !ok {
			d.busy.Add(-1)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", zap.Error(err))
			wait(ctx, d.cfg.ErrorBackoff)
			continue
		}
		if !ok {
			d.completeCycle(ctx)
			logger.Debug("frontier empty, idling", zap.Duration("wait", d.cfg.IdleWait))
			wait(ctx, d.cfg.IdleWait)
			continue
		}

		metrics.IncActiveWorkers()
		d.processor.Process(ctx, url)
		metrics.DecActiveWorkers()
		d.finished(ctx)
		d.busy.Add(-1)
	}
}

func (d *Dispatcher) finished(ctx context.Context) {
	n := d.completed.Add(1)
	d.sinceCycle.Add(1)
	if n%int64(d.cfg.RescueEvery) == 0 {
		d.rescue(ctx)
	}
	if n%int64(d.cfg.ProgressEvery) == 0 {
		d.logProgress(ctx)
	}
}

// completeCycle closes the cycle once per drained frontier. It waits for
// the last busy worker to find the frontier empty, and an empty frontier
// with no work since the last cycle is left alone.
func (d *Dispatcher) completeCycle(ctx context.Context) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	if d.busy.Load() > 0 {
		return
	}
	n := d.sinceCycle.Swap(0)
	if n == 0 {
		return
	}
	state, err := d.frontier.CompleteCycle(ctx)
	if err != nil {
		d.sinceCycle.Add(n)
		d.logger.Error("complete cycle failed", zap.Error(err))
		return
	}
	d.cycles.Add(1)
	d.logger.Info("crawl cycle finished",
		zap.Int64("pages", n),
		zap.Int("next_cycle", state.CurrentCycle),
		zap.Int("total_pages_estimate", state.TotalPagesEstimate))
}

func (d *Dispatcher) rescue(ctx context.Context) {
	n, err := d.frontier.RescueStuck(ctx, d.cfg.StuckAfter)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("stuck url rescue failed", zap.Error(err))
		}
		return
	}
	d.rescued.Add(int64(n))
}

func (d *Dispatcher) logProgress(ctx context.Context) {
	p, err := d.frontier.Progress(ctx)
	if err != nil {
		d.logger.Warn("progress unavailable", zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.Int("cycle", p.Cycle),
		zap.Int64("completed", p.Completed),
		zap.Int64("remaining", p.Remaining),
		zap.Int64("total", p.Total),
		zap.String("percent", formatPercent(p.Percent)),
	}
	if d.estimator != nil {
		snap := d.estimator.Estimate(ctx, p.Remaining)
		fields = append(fields, zap.Float64("pages_per_hour", snap.PagesPerHour))
		if snap.HasETA {
			fields = append(fields,
				zap.Duration("eta", snap.ETA.Round(time.Minute)),
				zap.String("eta_clock", snap.ETAAt.Format("15:04:05")))
		}
	}
	d.logger.Info("crawl progress", fields...)
}

func formatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64) + "%"
}

// wait blocks for d or until ctx ends.
func wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
