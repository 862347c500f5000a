// Package collyfetcher checks document URLs over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps how much of a GET fallback body is read.
	MaxBodySize int
}

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 64 * 1024
)

// Prober implements crawler.DocumentProber. It issues a HEAD request and
// falls back to GET when the server does not support HEAD.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Prober.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Prober{cfg: cfg, baseCollector: c}
}

// Probe returns the HTTP status code for url.
func (p *Prober) Probe(ctx context.Context, url string) (int, error) {
	status, err := p.visit(ctx, http.MethodHead, url)
	if err != nil {
		return 0, err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		return p.visit(ctx, http.MethodGet, url)
	}
	return status, nil
}

func (p *Prober) newCollector() *colly.Collector {
	c := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		c.UserAgent = p.cfg.UserAgent
	}
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = p.cfg.MaxBodySize
	c.SetRequestTimeout(p.cfg.Timeout)
	return c
}

func (p *Prober) visit(ctx context.Context, method, url string) (int, error) {
	collector := p.newCollector()
	var (
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			status = r.StatusCode
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		if method == http.MethodHead {
			done <- collector.Head(url)
			return
		}
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && status == 0 {
			return 0, fmt.Errorf("%w: probe %s: %w", crawler.ErrNetwork, url, err)
		}
		if fetchErr != nil && status == 0 {
			return 0, fmt.Errorf("%w: probe %s: %w", crawler.ErrNetwork, url, fetchErr)
		}
		if status == 0 {
			return 0, fmt.Errorf("%w: probe %s: %w", crawler.ErrNetwork, url, errors.New("no response"))
		}
		return status, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
