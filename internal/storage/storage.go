// Package storage selects a blob backend and lays out per-page artifact paths.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/retry"
	"github.com/JakeFAU/sitewatch/internal/storage/gcs"
	"github.com/JakeFAU/sitewatch/internal/storage/local"
	"github.com/JakeFAU/sitewatch/internal/storage/memory"
)

// Artifact file names stored under each page directory.
const (
	SnapshotFile   = "page.html"
	PreviousFile   = "page.old.html"
	ScreenshotFile = "screenshot.png"
)

// PagePaths are the object paths for one URL's artifacts.
type PagePaths struct {
	Snapshot   string
	Previous   string
	Screenshot string
}

// PathsFor returns the artifact paths for pageURL under prefix:
// <prefix>/<host>/<first 16 hex chars of sha256(url)>/<file>.
func PathsFor(prefix, pageURL string) PagePaths {
	host := crawler.Host(pageURL)
	if host == "" {
		host = "unknown"
	}
	sum := sha256.Sum256([]byte(pageURL))
	dir := path.Join(strings.Trim(prefix, "/"), host, hex.EncodeToString(sum[:])[:16])
	return PagePaths{
		Snapshot:   path.Join(dir, SnapshotFile),
		Previous:   path.Join(dir, PreviousFile),
		Screenshot: path.Join(dir, ScreenshotFile),
	}
}

// Config selects and configures a backend.
type Config struct {
	Backend  string
	Bucket   string
	LocalDir string
	Retry    retry.Policy
}

// Open builds the configured blob store. The returned close function
// releases any client the backend holds.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Backend) {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create GCS client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Retry: cfg.Retry})
		if err == nil {
			err = store.CheckBucket(ctx)
		}
		if err != nil {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("close GCS client after setup failure", zap.Error(closeErr))
			}
			return nil, nil, err
		}
		return store, client.Close, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, noop, nil
	case "memory", "":
		return memory.NewBlobStore(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
