package crawler

import "time"

// URLStatus is the frontier state of a single URL record.
type URLStatus string

// Frontier states persisted on each URL record.
const (
	StatusRemaining  URLStatus = "remaining"
	StatusInProgress URLStatus = "in_progress"
	StatusVisited    URLStatus = "visited"
)

// Health tags the deleted-page detector state stored in StatusInfo.
type Health string

// Health states. HealthUnknown means the URL has never been observed.
const (
	HealthUnknown  Health = ""
	HealthHealthy  Health = "healthy"
	HealthErroring Health = "erroring"
)

// StatusInfo is the detector record kept per URL.
type StatusInfo struct {
	Health            Health     `bson:"health" json:"health"`
	LastHTTPStatus    int        `bson:"last_http_status" json:"last_http_status"`
	LastSuccessAt     *time.Time `bson:"last_success_at,omitempty" json:"last_success_at,omitempty"`
	ConsecutiveErrors int        `bson:"consecutive_error_count" json:"consecutive_error_count"`
}

// ChangeSummary is the most recent change stored on a URL record.
type ChangeSummary struct {
	At      time.Time `bson:"at" json:"at"`
	Summary string    `bson:"summary" json:"summary"`
}

// URLRecord is the authoritative per-URL document keyed by (site_id, url).
type URLRecord struct {
	SiteID      string            `bson:"site_id" json:"site_id"`
	URL         string            `bson:"url" json:"url"`
	Status      URLStatus         `bson:"status" json:"status"`
	FirstSeen   time.Time         `bson:"first_seen" json:"first_seen"`
	UpdatedAt   time.Time         `bson:"updated_at" json:"updated_at"`
	LastCrawled *time.Time        `bson:"last_crawled,omitempty" json:"last_crawled,omitempty"`
	StatusInfo  StatusInfo        `bson:"status_info" json:"status_info"`
	LastChange  *ChangeSummary    `bson:"last_change,omitempty" json:"last_change,omitempty"`
	Refs        map[string]string `bson:"refs,omitempty" json:"refs,omitempty"`
	RescueCount int               `bson:"rescue_count,omitempty" json:"rescue_count,omitempty"`
	LastRescued *time.Time        `bson:"last_rescued,omitempty" json:"last_rescued,omitempty"`
}

// DefaultTotalPagesEstimate seeds a new site's size estimate.
const DefaultTotalPagesEstimate = 5196

// SiteState tracks crawl cycles for one site.
type SiteState struct {
	SiteID             string    `bson:"site_id" json:"site_id"`
	Name               string    `bson:"name" json:"name"`
	TotalPagesEstimate int       `bson:"total_pages_estimate" json:"total_pages_estimate"`
	CycleStartTime     time.Time `bson:"cycle_start_time" json:"cycle_start_time"`
	CurrentCycle       int       `bson:"current_cycle" json:"current_cycle"`
	IsFirstCycle       bool      `bson:"is_first_cycle" json:"is_first_cycle"`
}

// PageType classifies the outcome of one crawl for stats and history.
type PageType string

// Page outcomes recorded in history and daily stats.
const (
	PageNormal   PageType = "normal"
	PageNew      PageType = "new"
	PageChanged  PageType = "changed"
	PageFailed   PageType = "failed"
	PageDeleted  PageType = "deleted"
	PageDocument PageType = "document"
)

// DailyStats are per-day counters in the site-local timezone.
type DailyStats struct {
	SiteID        string  `bson:"site_id" json:"site_id"`
	Date          string  `bson:"date" json:"date"`
	PagesCrawled  int64   `bson:"pages_crawled" json:"pages_crawled"`
	NewPages      int64   `bson:"new_pages" json:"new_pages"`
	ChangedPages  int64   `bson:"changed_pages" json:"changed_pages"`
	FailedPages   int64   `bson:"failed_pages" json:"failed_pages"`
	DeletedPages  int64   `bson:"deleted_pages" json:"deleted_pages"`
	DocumentPages int64   `bson:"document_pages" json:"document_pages"`
	TotalTime     float64 `bson:"total_time" json:"total_time"`
}

// Add folds one crawl outcome into the counters.
func (s *DailyStats) Add(pageType PageType, crawlTime time.Duration) {
	s.PagesCrawled++
	s.TotalTime += crawlTime.Seconds()
	switch pageType {
	case PageNew:
		s.NewPages++
	case PageChanged:
		s.ChangedPages++
	case PageFailed:
		s.FailedPages++
	case PageDeleted:
		s.DeletedPages++
	case PageDocument:
		s.DocumentPages++
	}
}

// ChangeDetails describes one detected change event.
type ChangeDetails struct {
	AddedText     []string `bson:"added_text" json:"added_text"`
	DeletedText   []string `bson:"deleted_text" json:"deleted_text"`
	ChangedText   []string `bson:"changed_text" json:"changed_text"`
	AddedLinks    []string `bson:"added_links" json:"added_links"`
	RemovedLinks  []string `bson:"removed_links" json:"removed_links"`
	AddedPDFs     []string `bson:"added_pdfs" json:"added_pdfs"`
	RemovedPDFs   []string `bson:"removed_pdfs" json:"removed_pdfs"`
	ScreenshotRef string   `bson:"screenshot_ref,omitempty" json:"screenshot_ref,omitempty"`
	SnapshotRef   string   `bson:"snapshot_ref,omitempty" json:"snapshot_ref,omitempty"`
	Summary       string   `bson:"summary" json:"summary"`
}

// Empty reports whether no text or link change was detected.
func (d ChangeDetails) Empty() bool {
	return len(d.AddedText) == 0 && len(d.DeletedText) == 0 && len(d.ChangedText) == 0 &&
		len(d.AddedLinks) == 0 && len(d.RemovedLinks) == 0 &&
		len(d.AddedPDFs) == 0 && len(d.RemovedPDFs) == 0
}

// PageChange is an immutable change record.
type PageChange struct {
	ID        string        `bson:"_id" json:"id"`
	SiteID    string        `bson:"site_id" json:"site_id"`
	URL       string        `bson:"url" json:"url"`
	Timestamp time.Time     `bson:"timestamp" json:"timestamp"`
	Details   ChangeDetails `bson:"change_details" json:"change_details"`
}

// HistoryEntry is one completed crawl, used for throughput estimation.
type HistoryEntry struct {
	SiteID    string         `bson:"site_id" json:"site_id"`
	Timestamp time.Time      `bson:"timestamp" json:"timestamp"`
	URL       string         `bson:"url" json:"url"`
	CrawlTime float64        `bson:"crawl_time" json:"crawl_time"`
	PageType  PageType       `bson:"page_type" json:"page_type"`
	Details   *ChangeDetails `bson:"change_details,omitempty" json:"change_details,omitempty"`
}

// FrontierCounts is a per-status tally of URL records.
type FrontierCounts struct {
	Remaining  int64 `json:"remaining"`
	InProgress int64 `json:"in_progress"`
	Visited    int64 `json:"visited"`
}

// Total returns the number of known URLs.
func (c FrontierCounts) Total() int64 {
	return c.Remaining + c.InProgress + c.Visited
}

// Page is the rendered result of a browser fetch.
type Page struct {
	URL        string
	StatusCode int
	HTML       string
	Duration   time.Duration
}

// MutationKind tags a buffered write.
type MutationKind string

// Buffered write kinds applied by a MutationSink.
const (
	MutationMarkVisited MutationKind = "mark_visited"
	MutationSetRefs     MutationKind = "set_refs"
	MutationDailyStats  MutationKind = "daily_stats"
	MutationHistory     MutationKind = "history"
	MutationPageChange  MutationKind = "page_change"
	MutationLastChange  MutationKind = "last_change"
)

// Mutation is one write-behind operation. Only the fields relevant to Kind
// are set.
type Mutation struct {
	Kind    MutationKind
	SiteID  string
	URL     string
	At      time.Time
	Date    string
	Stats   DailyStats
	Refs    map[string]string
	History *HistoryEntry
	Change  *PageChange
	Summary *ChangeSummary
}

// ApplyResult reports how many mutations of a batch were persisted.
type ApplyResult struct {
	Applied int
	Failed  int
}
