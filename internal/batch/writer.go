package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/metrics"
	"github.com/JakeFAU/sitewatch/internal/retry"
)

// Config controls buffering, batching and retries for the Writer.
//   - BufferSize: capacity of the enqueue channel (default 4096).
//   - Tuner: adaptive size/interval bounds.
//   - SinkTimeout: per-flush timeout including retries (default 30s).
//   - Retry: backoff policy for failed sink calls.
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger.
type Config struct {
	BufferSize  int
	Tuner       TunerConfig
	SinkTimeout time.Duration
	Retry       retry.Policy
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize  = 4096
	defaultSinkTimeout = 30 * time.Second
)

// Stats is a snapshot of writer counters.
type Stats struct {
	Enqueued      int64         `json:"enqueued"`
	Applied       int64         `json:"applied"`
	Failed        int64         `json:"failed"`
	Flushes       int64         `json:"flushes"`
	FailedFlushes int64         `json:"failed_flushes"`
	Pending       int           `json:"pending"`
	BatchSize     int           `json:"batch_size"`
	Interval      time.Duration `json:"interval"`
	AvgOpLatency  time.Duration `json:"avg_op_latency"`
	SuccessRate   float64       `json:"success_rate"`
	Decisions     []Decision    `json:"decisions"`
}

// Writer is a write-behind buffer in front of a MutationSink. Enqueue blocks
// when the buffer is full; mutations are never dropped.
type Writer struct {
	cfg    Config
	sink   crawler.MutationSink
	tuner  *Tuner
	logger *zap.Logger

	queue    chan crawler.Mutation
	flushReq chan chan error
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu     sync.RWMutex
	closed bool

	enqueued      atomic.Int64
	applied       atomic.Int64
	failed        atomic.Int64
	flushes       atomic.Int64
	failedFlushes atomic.Int64
}

// NewWriter starts the background flush goroutine.
func NewWriter(cfg Config, sink crawler.MutationSink) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		cfg:      cfg,
		sink:     sink,
		tuner:    NewTuner(cfg.Tuner),
		logger:   logger,
		queue:    make(chan crawler.Mutation, cfg.BufferSize),
		flushReq: make(chan chan error),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue hands a mutation to the writer. It blocks while the buffer is full
// and returns crawler.ErrClosed once Close has been called.
func (w *Writer) Enqueue(ctx context.Context, m crawler.Mutation) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("enqueue %s: %w", m.Kind, crawler.ErrClosed)
	}
	select {
	case w.queue <- m:
		w.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", m.Kind, ctx.Err())
	}
}

// Flush applies everything enqueued before the call and waits for it. The
// returned error is the last sink failure of this flush, if any.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case w.flushReq <- done:
	case <-w.doneCh:
		return crawler.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("batch flush: %w", ctx.Err())
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("batch flush wait: %w", ctx.Err())
	}
}

// Close stops accepting mutations, drains and flushes the buffer and waits
// for the background goroutine. It is safe to call multiple times.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.stopCh)
	}
	w.mu.Unlock()
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch writer close wait: %w", ctx.Err())
	}
}

// Stats reports counters and the tuner's current state.
func (w *Writer) Stats() Stats {
	latency, success, _ := w.tuner.Window()
	return Stats{
		Enqueued:      w.enqueued.Load(),
		Applied:       w.applied.Load(),
		Failed:        w.failed.Load(),
		Flushes:       w.flushes.Load(),
		FailedFlushes: w.failedFlushes.Load(),
		Pending:       len(w.queue),
		BatchSize:     w.tuner.Size(),
		Interval:      w.tuner.Interval(),
		AvgOpLatency:  latency,
		SuccessRate:   success,
		Decisions:     w.tuner.Decisions(),
	}
}

func (w *Writer) run() {
	defer close(w.doneCh)
	batch := make([]crawler.Mutation, 0, w.tuner.Size())
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	timerActive := false
	for {
		select {
		case m := <-w.queue:
			batch = w.add(batch, m, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			batch, _ = w.flushAll(batch)
		case done := <-w.flushReq:
			stopTimer(timer, &timerActive)
			batch = w.drain(batch)
			var err error
			batch, err = w.flushAll(batch)
			done <- err
		case <-w.stopCh:
			stopTimer(timer, &timerActive)
			batch = w.drain(batch)
			_, _ = w.flushAll(batch)
			return
		}
	}
}

func (w *Writer) add(batch []crawler.Mutation, m crawler.Mutation, timer *time.Timer, timerActive *bool) []crawler.Mutation {
	batch = append(batch, m)
	if len(batch) >= w.tuner.Size() {
		stopTimer(timer, timerActive)
		batch, _ = w.flushAll(batch)
		return batch
	}
	if !*timerActive {
		timer.Reset(w.tuner.Interval())
		*timerActive = true
	}
	return batch
}

// drain moves everything currently buffered into batch without blocking.
func (w *Writer) drain(batch []crawler.Mutation) []crawler.Mutation {
	for {
		select {
		case m := <-w.queue:
			batch = append(batch, m)
		default:
			return batch
		}
	}
}

// flushAll writes batch in chunks of the current size and returns the
// emptied slice along with the last error seen.
func (w *Writer) flushAll(batch []crawler.Mutation) ([]crawler.Mutation, error) {
	var lastErr error
	for start := 0; start < len(batch); {
		end := min(start+w.tuner.Size(), len(batch))
		if err := w.flush(batch[start:end]); err != nil {
			lastErr = err
		}
		start = end
	}
	return batch[:0], lastErr
}

func (w *Writer) flush(chunk []crawler.Mutation) error {
	if len(chunk) == 0 {
		return nil
	}
	ops := append([]crawler.Mutation(nil), chunk...)
	ctx, cancel := context.WithTimeout(w.cfg.BaseContext, w.cfg.SinkTimeout)
	defer cancel()

	start := time.Now()
	var res crawler.ApplyResult
	// A retry re-sends the whole chunk. Upserts converge, but history inserts
	// and daily-stat $inc can apply twice after a partially applied attempt.
	err := retry.Do(ctx, w.cfg.Retry, func(ctx context.Context) error {
		var applyErr error
		res, applyErr = w.sink.Apply(ctx, ops)
		return applyErr
	})
	latency := time.Since(start)

	w.flushes.Add(1)
	sample := Sample{Ops: len(ops), Latency: latency}
	if err != nil {
		w.failedFlushes.Add(1)
		w.failed.Add(int64(len(ops)))
		sample.Failed = len(ops)
		w.logger.Error("batch flush failed",
			zap.Int("ops", len(ops)),
			zap.Duration("latency", latency),
			zap.Error(err))
		err = fmt.Errorf("apply %d mutations: %w", len(ops), err)
	} else {
		w.applied.Add(int64(res.Applied))
		w.failed.Add(int64(res.Failed))
		sample.Failed = res.Failed
		if res.Failed > 0 {
			w.logger.Warn("batch flush partially failed",
				zap.Int("ops", len(ops)),
				zap.Int("failed", res.Failed))
		}
	}
	w.tuner.Record(sample)
	metrics.ObserveFlush(err == nil, latency, w.tuner.Size())

	if d := w.tuner.Adjust(time.Now()); d.Action != ActionHold {
		w.logger.Info("batch tuning decision",
			zap.String("action", string(d.Action)),
			zap.String("reason", d.Reason),
			zap.Int("size_before", d.SizeBefore),
			zap.Int("size_after", d.SizeAfter),
			zap.Duration("interval_before", d.IntervalBefore),
			zap.Duration("interval_after", d.IntervalAfter))
	}
	return err
}

func stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}
