package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

func TestProbeReturnsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/report.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			w.WriteHeader(http.StatusOK)
		case "/gone.pdf":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(Config{UserAgent: "sitewatch-test", Timeout: time.Second})
	cases := map[string]int{
		"/report.pdf":  http.StatusOK,
		"/gone.pdf":    http.StatusGone,
		"/missing.doc": http.StatusNotFound,
	}
	for path, want := range cases {
		got, err := p.Probe(context.Background(), srv.URL+path)
		require.NoError(t, err, path)
		require.Equal(t, want, got, path)
	}
}

func TestProbeFallsBackToGet(t *testing.T) {
	t.Parallel()

	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gets.Add(1)
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	got, err := New(Config{}).Probe(context.Background(), srv.URL+"/a.pdf")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got)
	require.Equal(t, int32(1), gets.Load())
}

func TestProbeRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := New(Config{})
	for i := 0; i < 3; i++ {
		_, err := p.Probe(context.Background(), srv.URL+"/same.pdf")
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), hits.Load())
}

func TestProbeNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/x.pdf"
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Probe(context.Background(), url)
	require.ErrorIs(t, err, crawler.ErrNetwork)
}

func TestProbeCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Probe(ctx, srv.URL+"/slow.pdf")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
