package headless

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

func TestNewLauncherDefaults(t *testing.T) {
	t.Parallel()

	l := NewLauncher(Config{Headless: true})
	defer l.Close()
	require.Equal(t, defaultNavigationTimeout, l.cfg.NavigationTimeout)
	require.Equal(t, defaultSettleTimeout, l.cfg.SettleTimeout)

	l2 := NewLauncher(Config{NavigationTimeout: time.Second, SettleTimeout: time.Millisecond})
	defer l2.Close()
	require.Equal(t, time.Second, l2.cfg.NavigationTimeout)
	require.Equal(t, time.Millisecond, l2.cfg.SettleTimeout)
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	status, url := meta.snapshot()
	require.Zero(t, status)
	require.Empty(t, url)

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://example.com/gone"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example.net/frame"},
	})
	status, url = meta.snapshot()
	require.Equal(t, 404, status)
	require.Equal(t, "https://example.com/gone", url)

	meta.captureEvent("not a network event")
	meta.captureEvent(&network.EventResponseReceived{Type: network.ResourceTypeDocument})
	status, _ = meta.snapshot()
	require.Equal(t, 404, status)
}

func TestClosedSessionRejectsWork(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{cfg: Config{NavigationTimeout: time.Second}, browser: ctx, cancel: cancel}
	s.closed = true

	_, err := s.Fetch(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, crawler.ErrClosed)
	_, err = s.Screenshot(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, crawler.ErrClosed)
	require.NoError(t, s.Close())
}
