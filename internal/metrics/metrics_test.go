package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, pagesTotal)
	require.NotNil(t, batchFlushSeconds)
}

func TestObserveHelpers(t *testing.T) {
	ObservePage("site-a", "changed")
	ObservePage("site-a", "changed")
	require.InDelta(t, 2, testutil.ToFloat64(pagesTotal.WithLabelValues("site-a", "changed")), 0)

	before := testutil.ToFloat64(rescuedTotal)
	ObserveRescued(3)
	ObserveRescued(0)
	require.InDelta(t, before+3, testutil.ToFloat64(rescuedTotal), 0)

	ObserveFlush(true, 10*time.Millisecond, 42)
	require.InDelta(t, 42, testutil.ToFloat64(batchSize), 0)

	ObserveCache("urls", true)
	ObserveCache("urls", false)
	ObserveCache("urls", false)
	require.InDelta(t, 2, testutil.ToFloat64(cacheRequestsTotal.WithLabelValues("urls", "miss")), 0)

	SetBrowserSessions(2, 3)
	require.InDelta(t, 3, testutil.ToFloat64(browserSessions.WithLabelValues("active")), 0)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
