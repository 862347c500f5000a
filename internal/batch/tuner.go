package batch

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Action tags a tuning decision.
type Action string

// Tuning actions.
const (
	ActionGrow   Action = "grow"
	ActionShrink Action = "shrink"
	ActionHold   Action = "hold"
)

// Decision records one adjustment with the values before and after it.
type Decision struct {
	Action         Action        `json:"action"`
	Reason         string        `json:"reason"`
	SizeBefore     int           `json:"size_before"`
	SizeAfter      int           `json:"size_after"`
	IntervalBefore time.Duration `json:"interval_before"`
	IntervalAfter  time.Duration `json:"interval_after"`
	AvgOpLatency   time.Duration `json:"avg_op_latency"`
	SuccessRate    float64       `json:"success_rate"`
	At             time.Time     `json:"at"`
}

// Sample describes one completed flush.
type Sample struct {
	Ops     int
	Failed  int
	Latency time.Duration
}

// TunerConfig bounds the adaptive loop. Zero values take the defaults below.
type TunerConfig struct {
	MinSize         int
	MaxSize         int
	InitialSize     int
	MinInterval     time.Duration
	MaxInterval     time.Duration
	InitialInterval time.Duration
	Window          int
	MinSamples      int
	FastOpLatency   time.Duration
	SlowOpLatency   time.Duration
	History         int
}

const (
	defaultMinSize         = 10
	defaultMaxSize         = 500
	defaultInitialSize     = 100
	defaultMinInterval     = 100 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
	defaultInitialInterval = time.Second
	defaultWindow          = 10
	defaultMinSamples      = 3
	defaultFastOpLatency   = 2 * time.Millisecond
	defaultSlowOpLatency   = 20 * time.Millisecond
	defaultHistory         = 20

	growFactor     = 1.25
	shrinkFactor   = 0.75
	healthySuccess = 0.99
	failingSuccess = 0.9
)

func (c TunerConfig) withDefaults() TunerConfig {
	if c.MinSize <= 0 {
		c.MinSize = defaultMinSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.InitialSize <= 0 {
		c.InitialSize = defaultInitialSize
	}
	c.InitialSize = clampInt(c.InitialSize, c.MinSize, c.MaxSize)
	if c.MinInterval <= 0 {
		c.MinInterval = defaultMinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultMaxInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultInitialInterval
	}
	c.InitialInterval = clampDuration(c.InitialInterval, c.MinInterval, c.MaxInterval)
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.MinSamples <= 0 {
		c.MinSamples = defaultMinSamples
	}
	if c.FastOpLatency <= 0 {
		c.FastOpLatency = defaultFastOpLatency
	}
	if c.SlowOpLatency <= 0 {
		c.SlowOpLatency = defaultSlowOpLatency
	}
	if c.History <= 0 {
		c.History = defaultHistory
	}
	return c
}

// Tuner adapts batch size and flush interval to observed write latency and
// failure rate. Size and interval never leave their configured bounds.
type Tuner struct {
	mu        sync.Mutex
	cfg       TunerConfig
	size      int
	interval  time.Duration
	samples   []Sample
	decisions []Decision
}

// NewTuner returns a tuner starting at the initial size and interval.
func NewTuner(cfg TunerConfig) *Tuner {
	cfg = cfg.withDefaults()
	return &Tuner{
		cfg:      cfg,
		size:     cfg.InitialSize,
		interval: cfg.InitialInterval,
	}
}

// Size returns the current batch size.
func (t *Tuner) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Interval returns the current flush interval.
func (t *Tuner) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Record adds a flush sample to the rolling window.
func (t *Tuner) Record(s Sample) {
	if s.Ops <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, s)
	if over := len(t.samples) - t.cfg.Window; over > 0 {
		t.samples = append(t.samples[:0], t.samples[over:]...)
	}
}

// Window returns the average per-op latency and success rate of the current
// window along with the number of samples it holds.
func (t *Tuner) Window() (time.Duration, float64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	latency, success := t.windowLocked()
	return latency, success, len(t.samples)
}

func (t *Tuner) windowLocked() (time.Duration, float64) {
	var ops, failed int
	var total time.Duration
	for _, s := range t.samples {
		ops += s.Ops
		failed += s.Failed
		total += s.Latency
	}
	if ops == 0 {
		return 0, 1
	}
	return total / time.Duration(ops), float64(ops-failed) / float64(ops)
}

// Adjust evaluates the window and applies at most one step. Non-hold
// decisions are retained and clear the window so the next step is judged on
// fresh samples.
func (t *Tuner) Adjust(now time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := Decision{
		Action:         ActionHold,
		SizeBefore:     t.size,
		SizeAfter:      t.size,
		IntervalBefore: t.interval,
		IntervalAfter:  t.interval,
		At:             now,
	}
	if len(t.samples) < t.cfg.MinSamples {
		d.Reason = fmt.Sprintf("%d of %d samples", len(t.samples), t.cfg.MinSamples)
		return d
	}
	latency, success := t.windowLocked()
	d.AvgOpLatency = latency
	d.SuccessRate = success

	switch {
	case latency >= t.cfg.SlowOpLatency || success < failingSuccess:
		d.Action = ActionShrink
		d.Reason = fmt.Sprintf("op latency %s, success %.2f", latency, success)
		d.SizeAfter = clampInt(int(float64(t.size)*shrinkFactor), t.cfg.MinSize, t.cfg.MaxSize)
		d.IntervalAfter = clampDuration(time.Duration(float64(t.interval)*growFactor), t.cfg.MinInterval, t.cfg.MaxInterval)
	case latency <= t.cfg.FastOpLatency && success >= healthySuccess:
		d.Action = ActionGrow
		d.Reason = fmt.Sprintf("op latency %s, success %.2f", latency, success)
		d.SizeAfter = clampInt(int(math.Ceil(float64(t.size)*growFactor)), t.cfg.MinSize, t.cfg.MaxSize)
		d.IntervalAfter = clampDuration(time.Duration(float64(t.interval)*0.8), t.cfg.MinInterval, t.cfg.MaxInterval)
	default:
		d.Reason = "within target band"
		return d
	}

	if d.SizeAfter == d.SizeBefore && d.IntervalAfter == d.IntervalBefore {
		d.Action = ActionHold
		d.Reason = "at bound: " + d.Reason
		return d
	}
	t.size = d.SizeAfter
	t.interval = d.IntervalAfter
	t.samples = t.samples[:0]
	t.decisions = append(t.decisions, d)
	if over := len(t.decisions) - t.cfg.History; over > 0 {
		t.decisions = append(t.decisions[:0], t.decisions[over:]...)
	}
	return d
}

// Decisions returns the retained decisions, oldest first.
func (t *Tuner) Decisions() []Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Decision(nil), t.decisions...)
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	return max(lo, min(v, hi))
}
