package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

type urlKey struct {
	site string
	url  string
}

type dailyKey struct {
	site string
	date string
}

// Store keeps URL records, site state, statistics and change history in
// memory. It implements crawler.URLStore, crawler.SiteStore,
// crawler.StatsStore and crawler.MutationSink. The service uses it when
// state.backend is "memory".
type Store struct {
	mu      sync.Mutex
	urls    map[urlKey]*crawler.URLRecord
	sites   map[string]crawler.SiteState
	daily   map[dailyKey]crawler.DailyStats
	history []crawler.HistoryEntry
	changes []crawler.PageChange
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		urls:  make(map[urlKey]*crawler.URLRecord),
		sites: make(map[string]crawler.SiteState),
		daily: make(map[dailyKey]crawler.DailyStats),
	}
}

// ClaimRemaining moves the oldest remaining URL of the site to in_progress.
func (s *Store) ClaimRemaining(_ context.Context, siteID string, now time.Time) (crawler.URLRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.pickLocked(siteID, func(r *crawler.URLRecord) bool {
		return r.Status == crawler.StatusRemaining
	}, func(a, b *crawler.URLRecord) bool {
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		return a.URL < b.URL
	})
	if rec == nil {
		return crawler.URLRecord{}, false, nil
	}
	rec.Status = crawler.StatusInProgress
	rec.UpdatedAt = now
	return cloneRecord(rec), true, nil
}

// ClaimRecrawl moves the least recently crawled visited URL older than
// cutoff to in_progress.
func (s *Store) ClaimRecrawl(_ context.Context, siteID string, cutoff, now time.Time) (crawler.URLRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.pickLocked(siteID, func(r *crawler.URLRecord) bool {
		return r.Status == crawler.StatusVisited && r.LastCrawled != nil && r.LastCrawled.Before(cutoff)
	}, func(a, b *crawler.URLRecord) bool {
		if !a.LastCrawled.Equal(*b.LastCrawled) {
			return a.LastCrawled.Before(*b.LastCrawled)
		}
		return a.URL < b.URL
	})
	if rec == nil {
		return crawler.URLRecord{}, false, nil
	}
	rec.Status = crawler.StatusInProgress
	rec.UpdatedAt = now
	return cloneRecord(rec), true, nil
}

func (s *Store) pickLocked(siteID string, match func(*crawler.URLRecord) bool, less func(a, b *crawler.URLRecord) bool) *crawler.URLRecord {
	var best *crawler.URLRecord
	for k, rec := range s.urls {
		if k.site != siteID || !match(rec) {
			continue
		}
		if best == nil || less(rec, best) {
			best = rec
		}
	}
	return best
}

// InsertNew adds unseen URLs as remaining. Known URLs are left untouched.
func (s *Store) InsertNew(_ context.Context, siteID string, urls []string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, u := range urls {
		k := urlKey{site: siteID, url: u}
		if _, ok := s.urls[k]; ok {
			continue
		}
		s.urls[k] = &crawler.URLRecord{
			SiteID:    siteID,
			URL:       u,
			Status:    crawler.StatusRemaining,
			FirstSeen: now,
			UpdatedAt: now,
		}
		inserted++
	}
	return inserted, nil
}

// GetURL returns the record for url or crawler.ErrNotFound.
func (s *Store) GetURL(_ context.Context, siteID, url string) (crawler.URLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.urls[urlKey{site: siteID, url: url}]
	if !ok {
		return crawler.URLRecord{}, fmt.Errorf("url %s: %w", url, crawler.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// SetStatusInfo replaces the detector record, creating the URL if needed.
func (s *Store) SetStatusInfo(_ context.Context, siteID, url string, info crawler.StatusInfo, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.upsertLocked(siteID, url, now)
	rec.StatusInfo = info
	rec.UpdatedAt = now
	return nil
}

// RescueStuck returns in_progress URLs not updated since cutoff to remaining.
func (s *Store) RescueStuck(_ context.Context, siteID string, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rescued := 0
	for k, rec := range s.urls {
		if k.site != siteID || rec.Status != crawler.StatusInProgress || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		rec.Status = crawler.StatusRemaining
		rec.UpdatedAt = now
		rec.RescueCount++
		at := now
		rec.LastRescued = &at
		rescued++
	}
	return rescued, nil
}

// Counts tallies the site's records by status.
func (s *Store) Counts(_ context.Context, siteID string) (crawler.FrontierCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c crawler.FrontierCounts
	for k, rec := range s.urls {
		if k.site != siteID {
			continue
		}
		switch rec.Status {
		case crawler.StatusRemaining:
			c.Remaining++
		case crawler.StatusInProgress:
			c.InProgress++
		case crawler.StatusVisited:
			c.Visited++
		}
	}
	return c, nil
}

// LoadSite returns the site's state or crawler.ErrNotFound.
func (s *Store) LoadSite(_ context.Context, siteID string) (crawler.SiteState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sites[siteID]
	if !ok {
		return crawler.SiteState{}, fmt.Errorf("site %s: %w", siteID, crawler.ErrNotFound)
	}
	return state, nil
}

// SaveSite replaces the site's state.
func (s *Store) SaveSite(_ context.Context, state crawler.SiteState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[state.SiteID] = state
	return nil
}

// DailyStats returns the counters for one day; missing days are zero.
func (s *Store) DailyStats(_ context.Context, siteID, date string) (crawler.DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.daily[dailyKey{site: siteID, date: date}]
	if !ok {
		return crawler.DailyStats{SiteID: siteID, Date: date}, nil
	}
	return stats, nil
}

// CountHistorySince counts history entries at or after since.
func (s *Store) CountHistorySince(_ context.Context, siteID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, h := range s.history {
		if h.SiteID == siteID && !h.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// Apply executes a batch of buffered writes.
func (s *Store) Apply(ctx context.Context, batch []crawler.Mutation) (crawler.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return crawler.ApplyResult{}, fmt.Errorf("apply batch: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var res crawler.ApplyResult
	for _, m := range batch {
		if s.applyLocked(m) {
			res.Applied++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

func (s *Store) applyLocked(m crawler.Mutation) bool {
	switch m.Kind {
	case crawler.MutationMarkVisited:
		rec := s.upsertLocked(m.SiteID, m.URL, m.At)
		at := m.At
		rec.Status = crawler.StatusVisited
		rec.LastCrawled = &at
		rec.UpdatedAt = m.At
	case crawler.MutationSetRefs:
		rec := s.upsertLocked(m.SiteID, m.URL, m.At)
		if rec.Refs == nil {
			rec.Refs = make(map[string]string, len(m.Refs))
		}
		for k, v := range m.Refs {
			rec.Refs[k] = v
		}
	case crawler.MutationLastChange:
		if m.Summary == nil {
			return false
		}
		rec := s.upsertLocked(m.SiteID, m.URL, m.At)
		summary := *m.Summary
		rec.LastChange = &summary
	case crawler.MutationDailyStats:
		k := dailyKey{site: m.SiteID, date: m.Date}
		cur := s.daily[k]
		cur.SiteID, cur.Date = m.SiteID, m.Date
		cur.PagesCrawled += m.Stats.PagesCrawled
		cur.NewPages += m.Stats.NewPages
		cur.ChangedPages += m.Stats.ChangedPages
		cur.FailedPages += m.Stats.FailedPages
		cur.DeletedPages += m.Stats.DeletedPages
		cur.DocumentPages += m.Stats.DocumentPages
		cur.TotalTime += m.Stats.TotalTime
		s.daily[k] = cur
	case crawler.MutationHistory:
		if m.History == nil {
			return false
		}
		s.history = append(s.history, *m.History)
	case crawler.MutationPageChange:
		if m.Change == nil {
			return false
		}
		s.changes = append(s.changes, *m.Change)
	default:
		return false
	}
	return true
}

func (s *Store) upsertLocked(siteID, url string, now time.Time) *crawler.URLRecord {
	k := urlKey{site: siteID, url: url}
	rec, ok := s.urls[k]
	if !ok {
		rec = &crawler.URLRecord{
			SiteID:    siteID,
			URL:       url,
			Status:    crawler.StatusRemaining,
			FirstSeen: now,
			UpdatedAt: now,
		}
		s.urls[k] = rec
	}
	return rec
}

// Changes returns the recorded page changes for a site, oldest first.
func (s *Store) Changes(siteID string) []crawler.PageChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.PageChange
	for _, c := range s.changes {
		if c.SiteID == siteID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// History returns the recorded history entries for a site in insertion order.
func (s *Store) History(siteID string) []crawler.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.HistoryEntry
	for _, h := range s.history {
		if h.SiteID == siteID {
			out = append(out, h)
		}
	}
	return out
}

func cloneRecord(rec *crawler.URLRecord) crawler.URLRecord {
	out := *rec
	if rec.Refs != nil {
		out.Refs = make(map[string]string, len(rec.Refs))
		for k, v := range rec.Refs {
			out.Refs[k] = v
		}
	}
	return out
}
