package frontier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/cache"
	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/metrics"
)

// DefaultRecrawlAfter is how long a visited URL rests before it is crawled
// again.
const DefaultRecrawlAfter = 72 * time.Hour

// maxSkippedClaims bounds how many excluded URLs one Next call will retire
// before giving up for this round.
const maxSkippedClaims = 100

// Enqueuer accepts write-behind mutations. *batch.Writer implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, m crawler.Mutation) error
}

// Config identifies the site and tunes frontier behaviour.
type Config struct {
	SiteID             string
	SiteName           string
	TotalPagesEstimate int
	RecrawlAfter       time.Duration
	ExcludedPrefixes   []string
	// Location is the site-local timezone used to date daily statistics.
	Location *time.Location
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
	Logger   *zap.Logger
}

// Deps are the collaborators a Frontier writes through.
type Deps struct {
	URLs    crawler.URLStore
	Sites   crawler.SiteStore
	Writer  Enqueuer
	Records *cache.Cache[string, crawler.URLRecord]
	States  *cache.Cache[string, crawler.SiteState]
}

// Progress summarizes the current cycle.
type Progress struct {
	SiteID       string    `json:"site_id"`
	SiteName     string    `json:"site_name"`
	Cycle        int       `json:"cycle"`
	IsFirstCycle bool      `json:"is_first_cycle"`
	CycleStart   time.Time `json:"cycle_start"`
	Completed    int64     `json:"completed"`
	Remaining    int64     `json:"remaining"`
	InProgress   int64     `json:"in_progress"`
	Total        int64     `json:"total"`
	Estimate     int       `json:"total_pages_estimate"`
	Percent      float64   `json:"percent"`
}

// Frontier is the URL state service for one site. It is safe for concurrent
// use.
type Frontier struct {
	cfg     Config
	urls    crawler.URLStore
	sites   crawler.SiteStore
	writer  Enqueuer
	records *cache.Cache[string, crawler.URLRecord]
	states  *cache.Cache[string, crawler.SiteState]
	counts  mirror
	logger  *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New wires a Frontier. Nil caches get small private ones.
func New(cfg Config, deps Deps) (*Frontier, error) {
	if cfg.SiteID == "" {
		return nil, errors.New("frontier: site id is required")
	}
	if deps.URLs == nil || deps.Sites == nil || deps.Writer == nil {
		return nil, errors.New("frontier: url store, site store and writer are required")
	}
	if cfg.RecrawlAfter <= 0 {
		cfg.RecrawlAfter = DefaultRecrawlAfter
	}
	if cfg.TotalPagesEstimate <= 0 {
		cfg.TotalPagesEstimate = crawler.DefaultTotalPagesEstimate
	}
	if cfg.SiteName == "" {
		cfg.SiteName = cfg.SiteID
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Records == nil {
		deps.Records = cache.New[string, crawler.URLRecord]("url_records", 0, 0)
	}
	if deps.States == nil {
		deps.States = cache.New[string, crawler.SiteState]("site_state", 16, 0)
	}
	return &Frontier{
		cfg:     cfg,
		urls:    deps.URLs,
		sites:   deps.Sites,
		writer:  deps.Writer,
		records: deps.Records,
		states:  deps.States,
		logger:  logger.Named("frontier").With(zap.String("site_id", cfg.SiteID)),
	}, nil
}

// SiteID returns the site this frontier serves.
func (f *Frontier) SiteID() string { return f.cfg.SiteID }

// Init loads or creates the site state and resyncs the count mirror.
func (f *Frontier) Init(ctx context.Context) (crawler.SiteState, error) {
	state, err := f.site(ctx)
	if errors.Is(err, crawler.ErrNotFound) {
		state = crawler.SiteState{
			SiteID:             f.cfg.SiteID,
			Name:               f.cfg.SiteName,
			TotalPagesEstimate: f.cfg.TotalPagesEstimate,
			CycleStartTime:     f.cfg.Clock.Now(),
			CurrentCycle:       1,
			IsFirstCycle:       true,
		}
		if err := f.sites.SaveSite(ctx, state); err != nil {
			return crawler.SiteState{}, fmt.Errorf("create site state: %w", err)
		}
		f.logger.Info("created site state", zap.String("name", state.Name))
	} else if err != nil {
		return crawler.SiteState{}, fmt.Errorf("load site state: %w", err)
	}
	if err := f.Resync(ctx); err != nil {
		return crawler.SiteState{}, err
	}
	return state, nil
}

// Next claims the next URL to crawl: a remaining URL if any exists,
// otherwise the stalest visited URL due for a recrawl. ok is false when
// nothing is claimable. Claimed URLs under an excluded prefix are retired as
// visited and skipped.
func (f *Frontier) Next(ctx context.Context) (string, bool, error) {
	for skipped := 0; skipped < maxSkippedClaims; skipped++ {
		rec, source, ok, err := f.claim(ctx)
		if err != nil || !ok {
			return "", false, err
		}
		f.records.Invalidate(rec.URL)
		f.counts.claimed(source)
		metrics.ObserveClaim(string(source))
		if !crawler.HasExcludedPrefix(rec.URL, f.cfg.ExcludedPrefixes) {
			return rec.URL, true, nil
		}
		f.logger.Debug("skipping excluded url", zap.String("url", rec.URL))
		if err := f.MarkVisited(ctx, rec.URL); err != nil {
			return "", false, err
		}
	}
	return "", false, nil
}

func (f *Frontier) claim(ctx context.Context) (crawler.URLRecord, crawler.URLStatus, bool, error) {
	now := f.cfg.Clock.Now()
	rec, ok, err := f.urls.ClaimRemaining(ctx, f.cfg.SiteID, now)
	if err != nil {
		return crawler.URLRecord{}, "", false, fmt.Errorf("claim remaining: %w", err)
	}
	if ok {
		return rec, crawler.StatusRemaining, true, nil
	}
	rec, ok, err = f.urls.ClaimRecrawl(ctx, f.cfg.SiteID, now.Add(-f.cfg.RecrawlAfter), now)
	if err != nil {
		return crawler.URLRecord{}, "", false, fmt.Errorf("claim recrawl: %w", err)
	}
	return rec, crawler.StatusVisited, ok, nil
}

// AddNew normalizes, filters and inserts discovered URLs. Known URLs are
// untouched. It returns how many were new.
func (f *Frontier) AddNew(ctx context.Context, urls []string) (int, error) {
	seen := make(map[string]struct{}, len(urls))
	clean := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := crawler.NormalizeURL(raw)
		if err != nil {
			continue
		}
		if crawler.HasExcludedPrefix(u, f.cfg.ExcludedPrefixes) {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		clean = append(clean, u)
	}
	if len(clean) == 0 {
		return 0, nil
	}
	n, err := f.urls.InsertNew(ctx, f.cfg.SiteID, clean, f.cfg.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("add new urls: %w", err)
	}
	f.counts.remaining.Add(int64(n))
	return n, nil
}

// MarkVisited records a completed crawl of url. The write is batched and
// idempotent.
func (f *Frontier) MarkVisited(ctx context.Context, url string) error {
	err := f.writer.Enqueue(ctx, crawler.Mutation{
		Kind:   crawler.MutationMarkVisited,
		SiteID: f.cfg.SiteID,
		URL:    url,
		At:     f.cfg.Clock.Now(),
	})
	f.records.Invalidate(url)
	if err != nil {
		return fmt.Errorf("mark visited: %w", err)
	}
	f.counts.finished()
	return nil
}

// UpdateStatus runs the deleted-page detector for url and persists the new
// record. Status 0 means no response was received; it is ignored and never
// reports deleted.
func (f *Frontier) UpdateStatus(ctx context.Context, url string, httpStatus int) (bool, crawler.StatusInfo, error) {
	rec, err := f.record(ctx, url)
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return false, crawler.StatusInfo{}, fmt.Errorf("update status: %w", err)
	}
	if httpStatus == 0 {
		return false, rec.StatusInfo, nil
	}
	now := f.cfg.Clock.Now()
	next, deleted := Observe(rec.StatusInfo, httpStatus, now)
	err = f.urls.SetStatusInfo(ctx, f.cfg.SiteID, url, next, now)
	f.records.Invalidate(url)
	if err != nil {
		return false, rec.StatusInfo, fmt.Errorf("update status: %w", err)
	}
	if deleted {
		f.logger.Info("page looks deleted",
			zap.String("url", url),
			zap.Int("status", httpStatus),
			zap.Int("consecutive_errors", next.ConsecutiveErrors))
	}
	return deleted, next, nil
}

// WasVisited reports whether url has completed at least one crawl.
func (f *Frontier) WasVisited(ctx context.Context, url string) (bool, error) {
	rec, err := f.record(ctx, url)
	if errors.Is(err, crawler.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("was visited: %w", err)
	}
	return rec.LastCrawled != nil || rec.Status == crawler.StatusVisited, nil
}

// Record returns the stored record for url, served from cache when fresh.
func (f *Frontier) Record(ctx context.Context, url string) (crawler.URLRecord, error) {
	return f.record(ctx, url)
}

func (f *Frontier) record(ctx context.Context, url string) (crawler.URLRecord, error) {
	if rec, ok := f.records.Get(url); ok {
		return rec, nil
	}
	rec, err := f.urls.GetURL(ctx, f.cfg.SiteID, url)
	if err != nil {
		return crawler.URLRecord{}, err
	}
	f.records.Put(url, rec)
	return rec, nil
}

// SetRefs stores opaque artifact references on the URL record.
func (f *Frontier) SetRefs(ctx context.Context, url string, refs map[string]string) error {
	if len(refs) == 0 {
		return nil
	}
	err := f.writer.Enqueue(ctx, crawler.Mutation{
		Kind:   crawler.MutationSetRefs,
		SiteID: f.cfg.SiteID,
		URL:    url,
		At:     f.cfg.Clock.Now(),
		Refs:   refs,
	})
	f.records.Invalidate(url)
	if err != nil {
		return fmt.Errorf("set refs: %w", err)
	}
	return nil
}

// RecordChange stores an immutable change record and the URL's latest
// change summary.
func (f *Frontier) RecordChange(ctx context.Context, url string, details crawler.ChangeDetails) (crawler.PageChange, error) {
	now := f.cfg.Clock.Now()
	change := crawler.PageChange{
		SiteID:    f.cfg.SiteID,
		URL:       url,
		Timestamp: now,
		Details:   details,
	}
	if f.cfg.IDs != nil {
		id, err := f.cfg.IDs.NewID()
		if err != nil {
			return crawler.PageChange{}, fmt.Errorf("record change id: %w", err)
		}
		change.ID = id
	}
	if err := f.writer.Enqueue(ctx, crawler.Mutation{
		Kind:   crawler.MutationPageChange,
		SiteID: f.cfg.SiteID,
		URL:    url,
		At:     now,
		Change: &change,
	}); err != nil {
		return crawler.PageChange{}, fmt.Errorf("record change: %w", err)
	}
	err := f.writer.Enqueue(ctx, crawler.Mutation{
		Kind:    crawler.MutationLastChange,
		SiteID:  f.cfg.SiteID,
		URL:     url,
		At:      now,
		Summary: &crawler.ChangeSummary{At: now, Summary: details.Summary},
	})
	f.records.Invalidate(url)
	if err != nil {
		return crawler.PageChange{}, fmt.Errorf("record last change: %w", err)
	}
	return change, nil
}

// RecordResult appends a history entry and bumps the day's counters in the
// site-local timezone.
func (f *Frontier) RecordResult(ctx context.Context, url string, pageType crawler.PageType, crawlTime time.Duration, details *crawler.ChangeDetails) error {
	now := f.cfg.Clock.Now()
	entry := crawler.HistoryEntry{
		SiteID:    f.cfg.SiteID,
		Timestamp: now,
		URL:       url,
		CrawlTime: crawlTime.Seconds(),
		PageType:  pageType,
		Details:   details,
	}
	if err := f.writer.Enqueue(ctx, crawler.Mutation{
		Kind:    crawler.MutationHistory,
		SiteID:  f.cfg.SiteID,
		URL:     url,
		At:      now,
		History: &entry,
	}); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	var delta crawler.DailyStats
	delta.Add(pageType, crawlTime)
	if err := f.writer.Enqueue(ctx, crawler.Mutation{
		Kind:   crawler.MutationDailyStats,
		SiteID: f.cfg.SiteID,
		URL:    url,
		At:     now,
		Date:   f.Today(),
		Stats:  delta,
	}); err != nil {
		return fmt.Errorf("record daily stats: %w", err)
	}
	metrics.ObservePage(f.cfg.SiteID, string(pageType))
	return nil
}

// Today is the current date in the site-local timezone.
func (f *Frontier) Today() string {
	return f.cfg.Clock.Now().In(f.cfg.Location).Format(time.DateOnly)
}

// RescueStuck returns URLs claimed more than stuckAfter ago to remaining.
func (f *Frontier) RescueStuck(ctx context.Context, stuckAfter time.Duration) (int, error) {
	now := f.cfg.Clock.Now()
	n, err := f.urls.RescueStuck(ctx, f.cfg.SiteID, now.Add(-stuckAfter), now)
	if err != nil {
		return 0, fmt.Errorf("rescue stuck: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	metrics.ObserveRescued(n)
	f.records.Purge()
	f.logger.Info("rescued stuck urls", zap.Int("count", n), zap.Duration("stuck_after", stuckAfter))
	if err := f.Resync(ctx); err != nil {
		f.logger.Warn("resync after rescue failed", zap.Error(err))
	}
	return n, nil
}

// CompleteCycle starts the next crawl cycle and raises the page estimate
// when more pages were discovered than expected.
func (f *Frontier) CompleteCycle(ctx context.Context) (crawler.SiteState, error) {
	state, err := f.site(ctx)
	if err != nil {
		return crawler.SiteState{}, fmt.Errorf("complete cycle: %w", err)
	}
	counts, err := f.urls.Counts(ctx, f.cfg.SiteID)
	if err != nil {
		return crawler.SiteState{}, fmt.Errorf("complete cycle: %w", err)
	}
	finished := state.CurrentCycle
	state.CurrentCycle++
	state.IsFirstCycle = false
	state.CycleStartTime = f.cfg.Clock.Now()
	if total := int(counts.Total()); total > state.TotalPagesEstimate {
		f.logger.Info("raising total pages estimate",
			zap.Int("from", state.TotalPagesEstimate),
			zap.Int("to", total))
		state.TotalPagesEstimate = total
	}
	err = f.sites.SaveSite(ctx, state)
	f.states.Invalidate(f.cfg.SiteID)
	if err != nil {
		return crawler.SiteState{}, fmt.Errorf("complete cycle: %w", err)
	}
	f.counts.set(counts)
	f.logger.Info("cycle completed", zap.Int("cycle", finished), zap.Int("next_cycle", state.CurrentCycle))
	return state, nil
}

func (f *Frontier) site(ctx context.Context) (crawler.SiteState, error) {
	if state, ok := f.states.Get(f.cfg.SiteID); ok {
		return state, nil
	}
	state, err := f.sites.LoadSite(ctx, f.cfg.SiteID)
	if err != nil {
		return crawler.SiteState{}, err
	}
	f.states.Put(f.cfg.SiteID, state)
	return state, nil
}

// Counts returns the advisory count mirror.
func (f *Frontier) Counts() crawler.FrontierCounts {
	return f.counts.snapshot()
}

// Resync rebuilds the count mirror from the store.
func (f *Frontier) Resync(ctx context.Context) error {
	counts, err := f.urls.Counts(ctx, f.cfg.SiteID)
	if err != nil {
		return fmt.Errorf("resync counts: %w", err)
	}
	f.counts.set(counts)
	return nil
}

// Progress reports how far the current cycle has come.
func (f *Frontier) Progress(ctx context.Context) (Progress, error) {
	state, err := f.site(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("progress: %w", err)
	}
	counts := f.counts.snapshot()
	p := Progress{
		SiteID:       state.SiteID,
		SiteName:     state.Name,
		Cycle:        state.CurrentCycle,
		IsFirstCycle: state.IsFirstCycle,
		CycleStart:   state.CycleStartTime,
		Completed:    counts.Visited,
		Remaining:    counts.Remaining + counts.InProgress,
		InProgress:   counts.InProgress,
		Total:        counts.Total(),
		Estimate:     state.TotalPagesEstimate,
	}
	if p.Total > 0 {
		p.Percent = math.Round(float64(p.Completed)/float64(p.Total)*1000) / 10
	}
	return p, nil
}
