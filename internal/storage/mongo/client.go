// Package mongo persists the crawl frontier, site state, statistics, history
// and change records in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/retry"
)

// Collection names.
const (
	CollURLStates   = "url_states"
	CollSiteState   = "site_state"
	CollDailyStats  = "daily_stats"
	CollHistory     = "performance_history"
	CollPageChanges = "page_changes"
)

// HistoryTTL is how long performance history is kept.
const HistoryTTL = 30 * 24 * time.Hour

// Config controls the connection.
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	Retry          retry.Policy
	Logger         *zap.Logger
}

// Connect dials MongoDB and pings the primary, retrying with backoff until
// the policy gives up.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var client *mongo.Client
	attempt := 0
	err := retry.Do(ctx, cfg.Retry, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		opts := options.Client().
			ApplyURI(cfg.URI).
			SetServerSelectionTimeout(cfg.ConnectTimeout)
		c, err := mongo.Connect(attemptCtx, opts)
		if err != nil {
			logger.Warn("mongo connect failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if err := c.Ping(attemptCtx, readpref.Primary()); err != nil {
			logger.Warn("mongo ping failed", zap.Int("attempt", attempt), zap.Error(err))
			_ = c.Disconnect(context.Background())
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w: %w", crawler.ErrPersistence, err)
	}
	logger.Info("connected to mongo", zap.String("database", cfg.Database), zap.Int("attempts", attempt))
	return client, nil
}

// EnsureIndexes creates the indexes every collection relies on. Existing
// indexes with the same definition are left alone.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		CollURLStates: {
			{Keys: bson.D{{Key: "site_id", Value: 1}, {Key: "url", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "site_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "site_id", Value: 1}, {Key: "status", Value: 1}, {Key: "last_crawled", Value: 1}}},
			{Keys: bson.D{{Key: "site_id", Value: 1}, {Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		},
		CollSiteState: {
			{Keys: bson.D{{Key: "site_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollDailyStats: {
			{Keys: bson.D{{Key: "site_id", Value: 1}, {Key: "date", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollHistory: {
			{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(int32(HistoryTTL.Seconds()))},
			{Keys: bson.D{{Key: "site_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
		CollPageChanges: {
			{Keys: bson.D{{Key: "site_id", Value: 1}, {Key: "url", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
	}
	for _, name := range []string{CollURLStates, CollSiteState, CollDailyStats, CollHistory, CollPageChanges} {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, specs[name]); err != nil {
			return fmt.Errorf("create %s indexes: %w: %w", name, crawler.ErrPersistence, err)
		}
	}
	return nil
}

// Ping checks connectivity to the primary.
func Ping(ctx context.Context, client *mongo.Client) error {
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w: %w", crawler.ErrPersistence, err)
	}
	return nil
}

// Retryable reports whether a driver error is transient.
func Retryable(err error) bool {
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}
