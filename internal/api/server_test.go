package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerHealthz(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, zap.NewNop())
	rec := serve(t, srv.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerKeepsCallerRequestID(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestServerReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ready Pinger
		want  int
	}{
		{"no pinger", nil, http.StatusOK},
		{"reachable", func(context.Context) error { return nil }, http.StatusOK},
		{"unreachable", func(context.Context) error { return errors.New("no primary") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := NewServer(nil, tt.ready, zap.NewNop())
			require.Equal(t, tt.want, serve(t, srv.Handler(), "/readyz").Code)
		})
	}
}

func TestServerMetrics(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, zap.NewNop())
	serve(t, srv.Handler(), "/healthz")
	rec := serve(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "sitewatch_")
}

func TestServerRecoversPanics(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, zap.NewNop())
	srv.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := serve(t, srv.Handler(), "/boom")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestServerUnknownRoute(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, zap.NewNop())
	require.Equal(t, http.StatusNotFound, serve(t, srv.Handler(), "/v1/jobs").Code)
}
