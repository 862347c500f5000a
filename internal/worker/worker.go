// Package worker implements the per-URL crawl pipeline: fetch, detect
// deletions, store snapshots, diff against the previous version and alert.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/browserpool"
	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/diff"
	"github.com/JakeFAU/sitewatch/internal/storage"
)

// DefaultMinContentBytes is the smallest HTML body accepted as a real page.
const DefaultMinContentBytes = 100

const tracerName = "github.com/JakeFAU/sitewatch/internal/worker"

// Artifact reference keys stored on the URL record.
const (
	RefSnapshot   = "snapshot"
	RefScreenshot = "screenshot"
	RefHash       = "content_hash"
)

// Frontier is the subset of *frontier.Frontier the pipeline writes through.
type Frontier interface {
	AddNew(ctx context.Context, urls []string) (int, error)
	MarkVisited(ctx context.Context, url string) error
	UpdateStatus(ctx context.Context, url string, httpStatus int) (bool, crawler.StatusInfo, error)
	WasVisited(ctx context.Context, url string) (bool, error)
	SetRefs(ctx context.Context, url string, refs map[string]string) error
	RecordChange(ctx context.Context, url string, details crawler.ChangeDetails) (crawler.PageChange, error)
	RecordResult(ctx context.Context, url string, pageType crawler.PageType, crawlTime time.Duration, details *crawler.ChangeDetails) error
}

// Limiter spaces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) (time.Duration, error)
}

// SessionPool leases browser sessions.
type SessionPool interface {
	Acquire(ctx context.Context) (*browserpool.Lease, error)
}

// Observer is told about every completed page.
type Observer interface {
	Observe(at time.Time)
}

// Config controls Worker behavior.
type Config struct {
	SiteID           string
	BlobPrefix       string
	ExcludedPrefixes []string
	MinContentBytes  int
	PolitenessDelay  time.Duration
}

// Deps are the collaborators of the pipeline. AlertLog, Observer and Tracer
// are optional; Tracer defaults to the global provider.
type Deps struct {
	Frontier Frontier
	Limiter  Limiter
	Sessions SessionPool
	Prober   crawler.DocumentProber
	Blobs    crawler.BlobStore
	Notifier crawler.Notifier
	AlertLog crawler.AlertLog
	Hasher   crawler.Hasher
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
	Observer Observer
	Tracer   trace.Tracer
}

// Worker processes one URL at a time. A Worker is safe for concurrent use;
// the dispatcher shares one across its goroutines.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Frontier == nil:
		return nil, errors.New("worker: frontier is required")
	case deps.Sessions == nil:
		return nil, errors.New("worker: session pool is required")
	case deps.Blobs == nil:
		return nil, errors.New("worker: blob store is required")
	case deps.Hasher == nil || deps.Clock == nil || deps.IDs == nil:
		return nil, errors.New("worker: hasher, clock and id generator are required")
	}
	if cfg.MinContentBytes <= 0 {
		cfg.MinContentBytes = DefaultMinContentBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	return &Worker{cfg: cfg, deps: deps, logger: logger}, nil
}

// task carries per-URL state through the pipeline.
type task struct {
	url     string
	paths   storage.PagePaths
	created []string
	prior   []byte
	lease   *browserpool.Lease
}

// Process runs the pipeline for url and records the outcome. It never
// panics and never returns an error: failures are recorded as "failed".
func (w *Worker) Process(ctx context.Context, url string) crawler.PageType {
	ctx, span := w.deps.Tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.String("sitewatch.site_id", w.cfg.SiteID),
		attribute.String("url.full", url),
	))
	defer span.End()

	start := w.deps.Clock.Now()
	t := &task{url: url, paths: storage.PathsFor(w.cfg.BlobPrefix, url)}
	logger := w.logger.With(zap.String("url", url))

	pageType, details, err := w.run(ctx, t)
	if t.lease != nil {
		t.lease.Release()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		pageType, details = crawler.PageFailed, nil
		w.rollback(ctx, t)
		if expected(err) {
			logger.Warn("page failed", zap.Error(err))
		} else {
			logger.Error("page processing error", zap.Error(err))
			w.alert(ctx, crawler.Alert{Kind: crawler.AlertError, URL: url, Message: err.Error()})
		}
	}

	span.SetAttributes(attribute.String("sitewatch.page_type", string(pageType)))
	elapsed := w.deps.Clock.Now().Sub(start)
	if err := w.deps.Frontier.RecordResult(ctx, url, pageType, elapsed, details); err != nil {
		logger.Error("record result failed", zap.Error(err))
	}
	if w.deps.Observer != nil {
		w.deps.Observer.Observe(w.deps.Clock.Now())
	}
	logger.Debug("page processed", zap.String("page_type", string(pageType)), zap.Duration("elapsed", elapsed))
	w.politenessDelay(ctx)
	return pageType
}

// expected reports errors that describe the page rather than the crawler.
func expected(err error) bool {
	return errors.Is(err, crawler.ErrHTTPStatus) ||
		errors.Is(err, crawler.ErrContentValidation) ||
		errors.Is(err, crawler.ErrNetwork) ||
		errors.Is(err, context.Canceled)
}

func (w *Worker) run(ctx context.Context, t *task) (pageType crawler.PageType, details *crawler.ChangeDetails, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", t.url, r)
		}
	}()

	if w.deps.Limiter != nil {
		if _, err := w.deps.Limiter.Wait(ctx, t.url); err != nil {
			return "", nil, err
		}
	}
	if crawler.Classify(t.url) == crawler.KindDocument && w.deps.Prober != nil {
		return w.document(ctx, t)
	}
	return w.webpage(ctx, t)
}

func (w *Worker) document(ctx context.Context, t *task) (crawler.PageType, *crawler.ChangeDetails, error) {
	status, err := w.deps.Prober.Probe(ctx, t.url)
	if err != nil {
		return "", nil, err
	}
	deleted, info, err := w.deps.Frontier.UpdateStatus(ctx, t.url, status)
	if err != nil {
		return "", nil, err
	}
	if deleted {
		return w.deleted(ctx, t, status, info)
	}
	if status >= http.StatusBadRequest {
		return "", nil, fmt.Errorf("%w: document returned %d", crawler.ErrHTTPStatus, status)
	}
	if err := w.deps.Frontier.MarkVisited(ctx, t.url); err != nil {
		return "", nil, err
	}
	return crawler.PageDocument, nil, nil
}

func (w *Worker) deleted(ctx context.Context, t *task, status int, info crawler.StatusInfo) (crawler.PageType, *crawler.ChangeDetails, error) {
	w.alert(ctx, crawler.Alert{
		Kind:          crawler.AlertDeletedPage,
		URL:           t.url,
		StatusCode:    status,
		LastSuccessAt: info.LastSuccessAt,
		Message:       fmt.Sprintf("page returned %d", status),
	})
	if err := w.deps.Frontier.MarkVisited(ctx, t.url); err != nil {
		return "", nil, err
	}
	return crawler.PageDeleted, nil, nil
}

func (w *Worker) webpage(ctx context.Context, t *task) (crawler.PageType, *crawler.ChangeDetails, error) {
	lease, err := w.deps.Sessions.Acquire(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("acquire browser: %w", err)
	}
	t.lease = lease
	session := lease.Session()

	page, err := session.Fetch(ctx, t.url)
	if err != nil {
		lease.Fail()
		return "", nil, err
	}

	deleted, info, err := w.deps.Frontier.UpdateStatus(ctx, t.url, page.StatusCode)
	if err != nil {
		return "", nil, err
	}
	if deleted {
		return w.deleted(ctx, t, page.StatusCode, info)
	}
	if page.StatusCode >= http.StatusBadRequest {
		return "", nil, fmt.Errorf("%w: page returned %d", crawler.ErrHTTPStatus, page.StatusCode)
	}
	if err := w.validate(page.HTML); err != nil {
		return "", nil, err
	}

	shot, err := session.Screenshot(ctx, t.url)
	if err != nil {
		w.logger.Warn("screenshot failed", zap.String("url", t.url), zap.Error(err))
		shot = nil
	}
	lease.Release()

	return w.compareAndStore(ctx, t, page.HTML, shot)
}

func (w *Worker) validate(html string) error {
	body := strings.TrimSpace(html)
	switch {
	case body == "":
		return fmt.Errorf("%w: empty body", crawler.ErrContentValidation)
	case len(body) < w.cfg.MinContentBytes:
		return fmt.Errorf("%w: body is %d bytes", crawler.ErrContentValidation, len(body))
	case !strings.Contains(strings.ToLower(body), "<body"):
		return fmt.Errorf("%w: no <body> element", crawler.ErrContentValidation)
	}
	return nil
}

func (w *Worker) compareAndStore(ctx context.Context, t *task, html string, shot []byte) (crawler.PageType, *crawler.ChangeDetails, error) {
	prior, hadPrior := w.loadPrior(ctx, t)
	refs := w.storeArtifacts(ctx, t, html, shot, prior, hadPrior)

	hash, err := w.deps.Hasher.Hash([]byte(html))
	if err != nil {
		return "", nil, fmt.Errorf("hash snapshot: %w", err)
	}
	refs[RefHash] = hash
	if err := w.deps.Frontier.SetRefs(ctx, t.url, refs); err != nil {
		return "", nil, err
	}

	visited, err := w.deps.Frontier.WasVisited(ctx, t.url)
	if err != nil {
		return "", nil, err
	}

	pageType := crawler.PageNormal
	var details *crawler.ChangeDetails
	switch {
	case !hadPrior && !visited:
		pageType = crawler.PageNew
		w.alert(ctx, crawler.Alert{
			Kind:          crawler.AlertNewPage,
			URL:           t.url,
			SnapshotRef:   refs[RefSnapshot],
			ScreenshotRef: refs[RefScreenshot],
		})
	case hadPrior:
		priorHash, err := w.deps.Hasher.Hash(prior)
		if err != nil {
			return "", nil, fmt.Errorf("hash prior snapshot: %w", err)
		}
		if priorHash == hash {
			break
		}
		found := diff.Detect(t.url, string(prior), html, w.cfg.ExcludedPrefixes)
		if found.Empty() {
			break
		}
		found.SnapshotRef = refs[RefSnapshot]
		found.ScreenshotRef = refs[RefScreenshot]
		if _, err := w.deps.Frontier.RecordChange(ctx, t.url, found); err != nil {
			return "", nil, err
		}
		pageType = crawler.PageChanged
		details = &found
		w.alert(ctx, crawler.Alert{
			Kind:          crawler.AlertChangedPage,
			URL:           t.url,
			Details:       details,
			SnapshotRef:   found.SnapshotRef,
			ScreenshotRef: found.ScreenshotRef,
		})
	}

	links := diff.SortedLinks(t.url, html, w.cfg.ExcludedPrefixes)
	if _, err := w.deps.Frontier.AddNew(ctx, links); err != nil {
		return "", nil, err
	}
	if err := w.deps.Frontier.MarkVisited(ctx, t.url); err != nil {
		return "", nil, err
	}
	return pageType, details, nil
}

// loadPrior fetches the stored snapshot. Read errors other than not-found
// are logged and treated as no prior version.
func (w *Worker) loadPrior(ctx context.Context, t *task) ([]byte, bool) {
	prior, err := w.deps.Blobs.GetObject(ctx, t.paths.Snapshot)
	if err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			w.logger.Warn("load prior snapshot failed", zap.String("url", t.url), zap.Error(err))
		}
		return nil, false
	}
	return prior, true
}

// storeArtifacts rotates the prior snapshot and uploads the new snapshot and
// screenshot. Upload failures drop the artifact; the page is still
// processed.
func (w *Worker) storeArtifacts(ctx context.Context, t *task, html string, shot []byte, prior []byte, hadPrior bool) map[string]string {
	refs := make(map[string]string, 3)
	if hadPrior {
		if _, err := w.deps.Blobs.PutObject(ctx, t.paths.Previous, "text/html; charset=utf-8", prior); err != nil {
			w.logger.Warn("rotate snapshot failed", zap.String("url", t.url), zap.Error(err))
		}
	}
	if uri, err := w.deps.Blobs.PutObject(ctx, t.paths.Snapshot, "text/html; charset=utf-8", []byte(html)); err != nil {
		w.logger.Warn("snapshot upload failed", zap.String("url", t.url), zap.Error(err))
	} else {
		refs[RefSnapshot] = uri
		if hadPrior {
			t.prior = prior
		} else {
			t.created = append(t.created, t.paths.Snapshot)
		}
	}
	if len(shot) > 0 {
		if uri, err := w.deps.Blobs.PutObject(ctx, t.paths.Screenshot, "image/png", shot); err != nil {
			w.logger.Warn("screenshot upload failed", zap.String("url", t.url), zap.Error(err))
		} else {
			refs[RefScreenshot] = uri
			if !hadPrior {
				t.created = append(t.created, t.paths.Screenshot)
			}
		}
	}
	return refs
}

// rollback deletes artifacts uploaded for a page that had none before and
// puts back the prior snapshot of a page that had one, so the next crawl
// diffs against the last successfully processed version.
func (w *Worker) rollback(ctx context.Context, t *task) {
	ctx = context.WithoutCancel(ctx)
	if t.prior != nil {
		if _, err := w.deps.Blobs.PutObject(ctx, t.paths.Snapshot, "text/html; charset=utf-8", t.prior); err != nil {
			w.logger.Warn("snapshot restore failed", zap.String("url", t.url), zap.Error(err))
		} else {
			w.logger.Info("restored prior snapshot", zap.String("url", t.url))
		}
		t.prior = nil
	}
	for _, path := range t.created {
		if err := w.deps.Blobs.DeleteObject(ctx, path); err != nil {
			w.logger.Warn("artifact cleanup failed", zap.String("path", path), zap.Error(err))
			continue
		}
		w.logger.Info("removed orphaned artifact", zap.String("path", path))
	}
	t.created = nil
}

// alert notifies and, for page events, writes an alert log row. Both are
// best-effort.
func (w *Worker) alert(ctx context.Context, alert crawler.Alert) {
	id, err := w.deps.IDs.NewID()
	if err != nil {
		w.logger.Warn("alert id generation failed", zap.Error(err))
	}
	alert.ID = id
	alert.SiteID = w.cfg.SiteID
	alert.At = w.deps.Clock.Now()

	if w.deps.Notifier != nil {
		if err := w.deps.Notifier.Notify(ctx, alert); err != nil {
			w.logger.Warn("notify failed", zap.String("kind", string(alert.Kind)), zap.Error(err))
		}
	}
	if w.deps.AlertLog != nil && alert.Kind != crawler.AlertError && alert.ID != "" {
		if err := w.deps.AlertLog.Record(ctx, alert); err != nil {
			w.logger.Warn("alert log failed", zap.String("kind", string(alert.Kind)), zap.Error(err))
		}
	}
}

func (w *Worker) politenessDelay(ctx context.Context) {
	if w.cfg.PolitenessDelay <= 0 {
		return
	}
	timer := time.NewTimer(w.cfg.PolitenessDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
