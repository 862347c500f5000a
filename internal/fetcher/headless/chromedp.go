// Package headless renders pages in long-lived headless Chrome sessions.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

// Config controls the headless browser.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleTimeout bounds the wait for document.readyState to reach
	// "complete" after the body is ready.
	SettleTimeout time.Duration
	Headless      bool
	ExecPath      string
}

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleTimeout     = 5 * time.Second
	screenshotQuality        = 90
)

// Launcher starts browser sessions that share one exec allocator.
type Launcher struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewLauncher prepares an allocator. No browser is started until
// NewSession is called.
func NewLauncher(cfg Config) *Launcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1920, 1080),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Launcher{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}
}

// NewSession launches a browser process and returns a session bound to it.
func (l *Launcher) NewSession(ctx context.Context) (crawler.BrowserSession, error) {
	browserCtx, cancel := chromedp.NewContext(l.allocator)
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: start browser: %w", crawler.ErrNetwork, err)
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}
	return &Session{cfg: l.cfg, browser: browserCtx, cancel: cancel}, nil
}

// Close stops every browser started by the launcher.
func (l *Launcher) Close() {
	l.allocCancel()
}

// Session is one browser process. Each fetch runs in its own tab.
type Session struct {
	cfg     Config
	browser context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Fetch navigates to url in a fresh tab and returns the rendered DOM.
func (s *Session) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	tabCtx, cancel, err := s.tab(ctx)
	if err != nil {
		return crawler.Page{URL: url}, err
	}
	defer cancel()

	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	var html, finalURL string
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		s.settleAction(),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return crawler.Page{URL: url, Duration: time.Since(start)},
			fmt.Errorf("%w: render %s: %w", crawler.ErrNetwork, url, err)
	}

	status, respURL := meta.snapshot()
	if status == 0 {
		status = 200
	}
	if respURL == "" {
		respURL = finalURL
	}
	if respURL == "" {
		respURL = url
	}
	return crawler.Page{
		URL:        respURL,
		StatusCode: status,
		HTML:       html,
		Duration:   time.Since(start),
	}, nil
}

// Screenshot captures a full-page PNG of url.
func (s *Session) Screenshot(ctx context.Context, url string) ([]byte, error) {
	tabCtx, cancel, err := s.tab(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var buf []byte
	if err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		s.settleAction(),
		chromedp.FullScreenshot(&buf, screenshotQuality),
	); err != nil {
		return nil, fmt.Errorf("%w: screenshot %s: %w", crawler.ErrNetwork, url, err)
	}
	return buf, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := chromedp.Cancel(s.browser)
	s.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (s *Session) tab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, crawler.ErrClosed
	}
	tabCtx, tabCancel := chromedp.NewContext(s.browser)
	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, timeoutCancel)
	return tabCtx, func() {
		stop()
		timeoutCancel()
		tabCancel()
	}, nil
}

func (s *Session) settleAction() chromedp.Action {
	return chromedp.Poll("document.readyState === 'complete'", nil,
		chromedp.WithPollingInterval(100*time.Millisecond),
		chromedp.WithPollingTimeout(s.cfg.SettleTimeout),
	)
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// The first document response is the navigation; later ones are frames.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}
