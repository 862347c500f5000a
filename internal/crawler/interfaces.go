package crawler

import (
	"context"
	"time"
)

// URLStore persists URL records. Claim operations must be atomic per record so
// that concurrent callers never receive the same URL.
type URLStore interface {
	ClaimRemaining(ctx context.Context, siteID string, now time.Time) (URLRecord, bool, error)
	ClaimRecrawl(ctx context.Context, siteID string, cutoff, now time.Time) (URLRecord, bool, error)
	InsertNew(ctx context.Context, siteID string, urls []string, now time.Time) (int, error)
	GetURL(ctx context.Context, siteID, url string) (URLRecord, error)
	SetStatusInfo(ctx context.Context, siteID, url string, info StatusInfo, now time.Time) error
	RescueStuck(ctx context.Context, siteID string, cutoff, now time.Time) (int, error)
	Counts(ctx context.Context, siteID string) (FrontierCounts, error)
}

// SiteStore persists per-site cycle state.
type SiteStore interface {
	LoadSite(ctx context.Context, siteID string) (SiteState, error)
	SaveSite(ctx context.Context, state SiteState) error
}

// StatsStore reads aggregated crawl statistics.
type StatsStore interface {
	DailyStats(ctx context.Context, siteID, date string) (DailyStats, error)
	CountHistorySince(ctx context.Context, siteID string, since time.Time) (int64, error)
}

// MutationSink applies a batch of buffered writes in as few round trips as
// the backend allows.
type MutationSink interface {
	Apply(ctx context.Context, batch []Mutation) (ApplyResult, error)
}

// BrowserSession renders pages in a long-lived browser.
type BrowserSession interface {
	Fetch(ctx context.Context, url string) (Page, error)
	Screenshot(ctx context.Context, url string) ([]byte, error)
	Close() error
}

// DocumentProber checks availability of non-HTML documents without rendering.
type DocumentProber interface {
	Probe(ctx context.Context, url string) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notifier delivers alerts to humans. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// AlertLog keeps a tabular record of alerts. Writes are best-effort.
type AlertLog interface {
	Record(ctx context.Context, alert Alert) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// AlertKind tags an Alert.
type AlertKind string

// Alert kinds raised by the crawl pipeline.
const (
	AlertNewPage     AlertKind = "new_page"
	AlertChangedPage AlertKind = "changed_page"
	AlertDeletedPage AlertKind = "deleted_page"
	AlertError       AlertKind = "error"
)

// Alert is a human-facing event about one URL.
type Alert struct {
	ID            string         `json:"id"`
	Kind          AlertKind      `json:"kind"`
	SiteID        string         `json:"site_id"`
	URL           string         `json:"url,omitempty"`
	At            time.Time      `json:"at"`
	StatusCode    int            `json:"status_code,omitempty"`
	LastSuccessAt *time.Time     `json:"last_success_at,omitempty"`
	Details       *ChangeDetails `json:"details,omitempty"`
	ScreenshotRef string         `json:"screenshot_ref,omitempty"`
	SnapshotRef   string         `json:"snapshot_ref,omitempty"`
	Message       string         `json:"message,omitempty"`
}
