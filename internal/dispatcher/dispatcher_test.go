package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/frontier"
	"github.com/JakeFAU/sitewatch/internal/throughput"
)

type fakeFrontier struct {
	mu        sync.Mutex
	queue     []string
	nextErr   error
	cycleErr  error
	rescues   int
	cycles    int
	progress  int
	estimated int
}

func (f *fakeFrontier) push(urls ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, urls...)
}

func (f *fakeFrontier) Next(context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil
		return "", false, err
	}
	if len(f.queue) == 0 {
		return "", false, nil
	}
	url := f.queue[0]
	f.queue = f.queue[1:]
	return url, true, nil
}

func (f *fakeFrontier) RescueStuck(context.Context, time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescues++
	return 1, nil
}

func (f *fakeFrontier) CompleteCycle(context.Context) (crawler.SiteState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cycleErr != nil {
		err := f.cycleErr
		f.cycleErr = nil
		return crawler.SiteState{}, err
	}
	f.cycles++
	return crawler.SiteState{CurrentCycle: f.cycles + 1}, nil
}

func (f *fakeFrontier) Progress(context.Context) (frontier.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress++
	return frontier.Progress{Remaining: int64(len(f.queue)), Percent: 50}, nil
}

func (f *fakeFrontier) snapshot() (rescues, cycles, progress int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rescues, f.cycles, f.progress
}

type recordingProcessor struct {
	mu   sync.Mutex
	seen []string
}

func (p *recordingProcessor) Process(_ context.Context, url string) crawler.PageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, url)
	return crawler.PageNormal
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

type countingEstimator struct{ calls atomic.Int64 }

func (e *countingEstimator) Estimate(_ context.Context, remaining int64) throughput.Snapshot {
	e.calls.Add(1)
	return throughput.Snapshot{PagesPerHour: 60, Remaining: remaining, HasETA: remaining > 0}
}

func start(t *testing.T, d *Dispatcher) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not stop after cancel")
		}
	}
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "https://example.com/p" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	return out
}

func TestDispatcherProcessesAllAndCompletesCycleOnce(t *testing.T) {
	t.Parallel()

	f := &fakeFrontier{}
	f.push(urls(25)...)
	p := &recordingProcessor{}
	est := &countingEstimator{}
	d := New(Config{Workers: 3, IdleWait: 5 * time.Millisecond}, f, p, est, nil)
	stop := start(t, d)

	require.Eventually(t, func() bool {
		_, cycles, _ := f.snapshot()
		return p.count() == 25 && cycles == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Idle polling of an empty frontier does not close further cycles.
	time.Sleep(30 * time.Millisecond)
	_, cycles, progress := f.snapshot()
	require.Equal(t, 1, cycles)
	require.Equal(t, 2, progress)
	require.Equal(t, int64(2), est.calls.Load())

	f.push("https://example.com/late")
	require.Eventually(t, func() bool {
		_, cycles, _ := f.snapshot()
		return cycles == 2
	}, 2*time.Second, 5*time.Millisecond)

	stop()
	stats := d.Stats()
	require.Equal(t, int64(26), stats.Completed)
	require.Equal(t, int64(2), stats.Cycles)
	require.Zero(t, stats.Busy)
}

func TestDispatcherRescuesAtStartupAndPeriodically(t *testing.T) {
	t.Parallel()

	f := &fakeFrontier{}
	f.push(urls(10)...)
	p := &recordingProcessor{}
	d := New(Config{Workers: 2, RescueEvery: 4, IdleWait: time.Hour}, f, p, nil, nil)
	stop := start(t, d)

	require.Eventually(t, func() bool { return p.count() == 10 }, 2*time.Second, 5*time.Millisecond)
	stop()

	rescues, _, _ := f.snapshot()
	require.Equal(t, 3, rescues)
	require.Equal(t, int64(3), d.Stats().Rescued)
}

func TestDispatcherSurvivesClaimAndCycleErrors(t *testing.T) {
	t.Parallel()

	f := &fakeFrontier{nextErr: errors.New("mongo unavailable"), cycleErr: errors.New("write conflict")}
	f.push("https://example.com/a")
	p := &recordingProcessor{}
	d := New(Config{Workers: 1, IdleWait: 5 * time.Millisecond, ErrorBackoff: time.Millisecond}, f, p, nil, nil)
	stop := start(t, d)
	defer stop()

	require.Eventually(t, func() bool {
		_, cycles, _ := f.snapshot()
		return p.count() == 1 && cycles == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherStopsWhileIdle(t *testing.T) {
	t.Parallel()

	f := &fakeFrontier{}
	d := New(Config{Workers: 4, IdleWait: time.Hour}, f, &recordingProcessor{}, nil, nil)
	stop := start(t, d)
	time.Sleep(10 * time.Millisecond)
	stop()

	_, cycles, _ := f.snapshot()
	require.Zero(t, cycles)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	d := New(Config{}, &fakeFrontier{}, &recordingProcessor{}, nil, nil)
	require.Equal(t, 1, d.cfg.Workers)
	require.Equal(t, DefaultRescueEvery, d.cfg.RescueEvery)
	require.Equal(t, DefaultProgressEvery, d.cfg.ProgressEvery)
	require.Equal(t, DefaultStuckAfter, d.cfg.StuckAfter)
	require.Equal(t, DefaultIdleWait, d.cfg.IdleWait)
	require.Equal(t, "12.5%", formatPercent(12.49))
}
