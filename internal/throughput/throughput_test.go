package throughput

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubCounter struct {
	n     int64
	err   error
	since time.Time
}

func (s *stubCounter) CountHistorySince(_ context.Context, _ string, since time.Time) (int64, error) {
	s.since = since
	return s.n, s.err
}

func TestPagesPerHourUsesTrailingWindow(t *testing.T) {
	t.Parallel()

	counter := &stubCounter{n: 120}
	e := New("site", counter, fixedClock{now}, nil)
	require.InDelta(t, 120, e.PagesPerHour(context.Background()), 0)
	require.Equal(t, now.Add(-time.Hour), counter.since)
}

func TestPagesPerHourFallsBackToRing(t *testing.T) {
	t.Parallel()

	e := New("site", &stubCounter{err: errors.New("down")}, fixedClock{now}, nil)
	e.Observe(now.Add(-2 * time.Hour))
	e.Observe(now.Add(-30 * time.Minute))
	e.Observe(now.Add(-time.Minute))
	require.InDelta(t, 2, e.PagesPerHour(context.Background()), 0)
}

func TestRingKeepsLatest(t *testing.T) {
	t.Parallel()

	e := New("site", nil, fixedClock{now}, nil)
	for i := 0; i < RingSize+50; i++ {
		e.Observe(now)
	}
	require.InDelta(t, RingSize, e.PagesPerHour(context.Background()), 0)
}

func TestPagesPerHourNeverNegative(t *testing.T) {
	t.Parallel()

	e := New("site", &stubCounter{n: -5}, fixedClock{now}, nil)
	require.GreaterOrEqual(t, e.PagesPerHour(context.Background()), 0.0)
	require.GreaterOrEqual(t, New("site", nil, nil, nil).PagesPerHour(context.Background()), 0.0)
}

func TestETA(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		remaining int64
		pph       float64
		want      time.Duration
		ok        bool
	}{
		{name: "zero rate", remaining: 10, pph: 0, ok: false},
		{name: "negative rate", remaining: 10, pph: -1, ok: false},
		{name: "nothing left", remaining: 0, pph: 60, ok: false},
		{name: "nan", remaining: 10, pph: math.NaN(), ok: false},
		{name: "half hour", remaining: 30, pph: 60, want: 30 * time.Minute, ok: true},
		{name: "two hours", remaining: 200, pph: 100, want: 2 * time.Hour, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ETA(tc.remaining, tc.pph)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	e := New("site", &stubCounter{n: 60}, fixedClock{now}, nil)
	s := e.Estimate(context.Background(), 30)
	require.True(t, s.HasETA)
	require.Equal(t, 30*time.Minute, s.ETA)
	require.Equal(t, now.Add(30*time.Minute), s.ETAAt)

	idle := New("site", &stubCounter{}, fixedClock{now}, nil).Estimate(context.Background(), 30)
	require.False(t, idle.HasETA)
	require.True(t, idle.ETAAt.IsZero())
}
