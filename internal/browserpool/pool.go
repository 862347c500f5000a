// Package browserpool keeps a bounded set of warm browser sessions and
// recycles them by age and use count.
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/metrics"
)

// Factory launches a new browser session.
type Factory func(ctx context.Context) (crawler.BrowserSession, error)

// Config sizes the pool.
type Config struct {
	MinSessions    int
	MaxSessions    int
	MaxAge         time.Duration
	MaxUses        int
	SweepInterval  time.Duration
	AcquireTimeout time.Duration
	Clock          crawler.Clock
	Logger         *zap.Logger
}

// Defaults used when a Config field is zero.
const (
	DefaultMinSessions    = 2
	DefaultMaxSessions    = 5
	DefaultMaxAge         = 30 * time.Minute
	DefaultMaxUses        = 100
	DefaultSweepInterval  = time.Minute
	DefaultAcquireTimeout = 30 * time.Second
)

// ErrAcquireTimeout is returned when no session became available in time.
var ErrAcquireTimeout = errors.New("browser pool: acquire timeout")

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Created         int64         `json:"created"`
	Reused          int64         `json:"reused"`
	Recycled        int64         `json:"recycled"`
	Failed          int64         `json:"failed"`
	Idle            int           `json:"idle"`
	Active          int64         `json:"active"`
	AvgCreationTime time.Duration `json:"avg_creation_time"`
	ReuseRatio      float64       `json:"reuse_ratio"`
}

type entry struct {
	session   crawler.BrowserSession
	createdAt time.Time
	uses      int
}

// Pool hands out browser sessions through leases.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *zap.Logger

	idle   chan *entry
	tokens chan struct{}
	stop   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	closed bool

	created      atomic.Int64
	reused       atomic.Int64
	recycled     atomic.Int64
	failed       atomic.Int64
	active       atomic.Int64
	creationTime atomic.Int64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New builds a pool. Call Start to warm it and begin sweeping.
func New(cfg Config, factory Factory) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("browser pool: factory is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.MinSessions < 0 {
		cfg.MinSessions = 0
	} else if cfg.MinSessions == 0 {
		cfg.MinSessions = DefaultMinSessions
	}
	if cfg.MinSessions > cfg.MaxSessions {
		return nil, fmt.Errorf("browser pool: min sessions %d exceeds max %d", cfg.MinSessions, cfg.MaxSessions)
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = DefaultMaxUses
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger,
		idle:    make(chan *entry, cfg.MaxSessions),
		tokens:  make(chan struct{}, cfg.MaxSessions),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.MaxSessions; i++ {
		p.tokens <- struct{}{}
	}
	return p, nil
}

// Start creates the minimum number of sessions and launches the sweeper.
// A failure to warm is logged; sessions are created on demand instead.
func (p *Pool) Start(ctx context.Context) {
	p.restock(ctx)
	go p.sweepLoop()
}

// Acquire leases a session, reusing an idle one when possible.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		if p.isClosed() {
			return nil, crawler.ErrClosed
		}
		select {
		case e := <-p.idle:
			if lease, ok := p.reuse(e); ok {
				return lease, nil
			}
			continue
		default:
		}

		select {
		case e := <-p.idle:
			if lease, ok := p.reuse(e); ok {
				return lease, nil
			}
		case <-p.tokens:
			return p.create(ctx)
		case <-p.stop:
			return nil, crawler.ErrClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrAcquireTimeout
			}
			return nil, fmt.Errorf("acquire browser: %w", ctx.Err())
		}
	}
}

func (p *Pool) reuse(e *entry) (*Lease, bool) {
	if p.expired(e) {
		p.retire(e, "expired")
		return nil, false
	}
	p.reused.Add(1)
	return p.lease(e), true
}

func (p *Pool) create(ctx context.Context) (*Lease, error) {
	e, err := p.launch(ctx)
	if err != nil {
		return nil, err
	}
	if p.isClosed() {
		p.discard(e)
		return nil, crawler.ErrClosed
	}
	return p.lease(e), nil
}

// launch starts a session. The caller must hold a token; it is returned on
// failure.
func (p *Pool) launch(ctx context.Context) (*entry, error) {
	start := time.Now()
	session, err := p.factory(ctx)
	if err != nil {
		p.failed.Add(1)
		p.tokens <- struct{}{}
		return nil, fmt.Errorf("create browser session: %w", err)
	}
	p.created.Add(1)
	p.creationTime.Add(int64(time.Since(start)))
	return &entry{session: session, createdAt: p.cfg.Clock.Now()}, nil
}

func (p *Pool) lease(e *entry) *Lease {
	e.uses++
	p.active.Add(1)
	p.publish()
	return &Lease{pool: p, entry: e}
}

func (p *Pool) expired(e *entry) bool {
	return e.uses >= p.cfg.MaxUses || p.cfg.Clock.Now().Sub(e.createdAt) >= p.cfg.MaxAge
}

func (p *Pool) release(e *entry) {
	p.active.Add(-1)
	defer p.publish()
	if p.expired(e) {
		p.retire(e, "limit reached")
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(e)
		return
	}
	p.idle <- e
	p.mu.Unlock()
}

func (p *Pool) fail(e *entry) {
	p.active.Add(-1)
	p.failed.Add(1)
	p.discard(e)
	p.publish()
}

func (p *Pool) retire(e *entry, reason string) {
	p.recycled.Add(1)
	p.logger.Debug("recycling browser session",
		zap.String("reason", reason),
		zap.Int("uses", e.uses),
		zap.Duration("age", p.cfg.Clock.Now().Sub(e.createdAt)),
	)
	p.discard(e)
}

// discard closes a session and returns its token.
func (p *Pool) discard(e *entry) {
	if err := e.session.Close(); err != nil {
		p.logger.Warn("close browser session", zap.Error(err))
	}
	p.tokens <- struct{}{}
}

// Sweep retires expired idle sessions and tops the pool back up to the
// minimum.
func (p *Pool) Sweep(ctx context.Context) {
	n := len(p.idle)
	for i := 0; i < n; i++ {
		select {
		case e := <-p.idle:
			if p.expired(e) {
				p.retire(e, "expired")
				continue
			}
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				p.discard(e)
				continue
			}
			p.idle <- e
			p.mu.Unlock()
		default:
		}
	}
	p.restock(ctx)
	p.publish()
}

func (p *Pool) restock(ctx context.Context) {
	for !p.isClosed() && len(p.idle)+int(p.active.Load()) < p.cfg.MinSessions {
		select {
		case <-p.tokens:
		default:
			return
		}
		e, err := p.launch(ctx)
		if err != nil {
			p.logger.Warn("warm browser session", zap.Error(err))
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.discard(e)
			return
		}
		p.idle <- e
		p.mu.Unlock()
	}
}

func (p *Pool) sweepLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
			p.Sweep(ctx)
			cancel()
		}
	}
}

// Close shuts down idle sessions and stops the sweeper. Leased sessions are
// closed when they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	for {
		select {
		case e := <-p.idle:
			p.discard(e)
		default:
			p.publish()
			return
		}
	}
}

// Wait blocks until the sweeper started by Start has exited.
func (p *Pool) Wait() {
	<-p.done
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) publish() {
	metrics.SetBrowserSessions(len(p.idle), int(p.active.Load()))
}

// Stats reports pool counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		Created:  p.created.Load(),
		Reused:   p.reused.Load(),
		Recycled: p.recycled.Load(),
		Failed:   p.failed.Load(),
		Idle:     len(p.idle),
		Active:   p.active.Load(),
	}
	if s.Created > 0 {
		s.AvgCreationTime = time.Duration(p.creationTime.Load() / s.Created)
	}
	if total := s.Created + s.Reused; total > 0 {
		s.ReuseRatio = float64(s.Reused) / float64(total)
	}
	return s
}

// Lease is exclusive use of one session. Exactly one of Release or Fail
// takes effect; later calls are ignored.
type Lease struct {
	pool  *Pool
	entry *entry
	once  sync.Once
}

// Session returns the leased browser session.
func (l *Lease) Session() crawler.BrowserSession {
	return l.entry.session
}

// Release returns a healthy session to the pool.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.entry) })
}

// Fail closes a session that misbehaved instead of reusing it.
func (l *Lease) Fail() {
	l.once.Do(func() { l.pool.fail(l.entry) })
}
