package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTuner() *Tuner {
	return NewTuner(TunerConfig{
		MinSize:         10,
		MaxSize:         200,
		InitialSize:     100,
		MinInterval:     100 * time.Millisecond,
		MaxInterval:     4 * time.Second,
		InitialInterval: time.Second,
	})
}

func record(t *Tuner, n int, s Sample) {
	for i := 0; i < n; i++ {
		t.Record(s)
	}
}

func TestTunerHoldsUntilEnoughSamples(t *testing.T) {
	t.Parallel()

	tuner := newTestTuner()
	record(tuner, 2, Sample{Ops: 100, Latency: time.Millisecond})
	d := tuner.Adjust(time.Now())
	require.Equal(t, ActionHold, d.Action)
	require.Equal(t, 100, tuner.Size())
	require.Empty(t, tuner.Decisions())
}

func TestTunerGrowsWhenFast(t *testing.T) {
	t.Parallel()

	tuner := newTestTuner()
	record(tuner, 3, Sample{Ops: 100, Latency: 100 * time.Millisecond})
	d := tuner.Adjust(time.Now())

	require.Equal(t, ActionGrow, d.Action)
	require.Equal(t, 100, d.SizeBefore)
	require.Equal(t, 125, d.SizeAfter)
	require.Equal(t, time.Second, d.IntervalBefore)
	require.Equal(t, 800*time.Millisecond, d.IntervalAfter)
	require.Equal(t, 125, tuner.Size())
	require.Equal(t, 800*time.Millisecond, tuner.Interval())
	require.Len(t, tuner.Decisions(), 1)

	_, _, n := tuner.Window()
	require.Zero(t, n, "window resets after an adjustment")
}

func TestTunerShrinksWhenSlow(t *testing.T) {
	t.Parallel()

	tuner := newTestTuner()
	record(tuner, 3, Sample{Ops: 10, Latency: 500 * time.Millisecond})
	d := tuner.Adjust(time.Now())

	require.Equal(t, ActionShrink, d.Action)
	require.Equal(t, 75, d.SizeAfter)
	require.Equal(t, 1250*time.Millisecond, d.IntervalAfter)
}

func TestTunerShrinksOnFailures(t *testing.T) {
	t.Parallel()

	tuner := newTestTuner()
	record(tuner, 3, Sample{Ops: 100, Failed: 20, Latency: 10 * time.Millisecond})
	d := tuner.Adjust(time.Now())
	require.Equal(t, ActionShrink, d.Action)
	require.InDelta(t, 0.8, d.SuccessRate, 1e-9)
}

func TestTunerHoldsInsideBand(t *testing.T) {
	t.Parallel()

	tuner := newTestTuner()
	record(tuner, 3, Sample{Ops: 100, Latency: time.Second})
	d := tuner.Adjust(time.Now())
	require.Equal(t, ActionHold, d.Action)
	require.Equal(t, 10*time.Millisecond, d.AvgOpLatency)
}

func TestTunerStaysWithinBounds(t *testing.T) {
	t.Parallel()

	tuner := newTestTuner()
	for i := 0; i < 30; i++ {
		record(tuner, 3, Sample{Ops: 100, Latency: time.Millisecond})
		tuner.Adjust(time.Now())
	}
	require.Equal(t, 200, tuner.Size())
	require.Equal(t, 100*time.Millisecond, tuner.Interval())
	require.Len(t, tuner.Decisions(), 11, "growth stops once both values hit their bounds")

	d := tuner.Adjust(time.Now())
	require.Equal(t, ActionHold, d.Action)

	for i := 0; i < 30; i++ {
		record(tuner, 3, Sample{Ops: 1, Latency: time.Second})
		tuner.Adjust(time.Now())
	}
	require.Equal(t, 10, tuner.Size())
	require.Equal(t, 4*time.Second, tuner.Interval())
	require.LessOrEqual(t, len(tuner.Decisions()), defaultHistory)
}

func TestTunerWindowIsBounded(t *testing.T) {
	t.Parallel()

	tuner := NewTuner(TunerConfig{Window: 4})
	record(tuner, 10, Sample{Ops: 1, Latency: time.Millisecond})
	_, _, n := tuner.Window()
	require.Equal(t, 4, n)
}
