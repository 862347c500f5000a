package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/retry"
)

// Store implements crawler.URLStore, crawler.SiteStore, crawler.StatsStore
// and crawler.MutationSink on top of one database.
type Store struct {
	urls    *mongo.Collection
	sites   *mongo.Collection
	daily   *mongo.Collection
	history *mongo.Collection
	changes *mongo.Collection
	retry   retry.Policy
}

// NewStore binds a Store to db. Direct operations retry transient driver
// errors with policy.
func NewStore(db *mongo.Database, policy retry.Policy) *Store {
	if policy.Retryable == nil {
		policy.Retryable = Retryable
	}
	return &Store{
		urls:    db.Collection(CollURLStates),
		sites:   db.Collection(CollSiteState),
		daily:   db.Collection(CollDailyStats),
		history: db.Collection(CollHistory),
		changes: db.Collection(CollPageChanges),
		retry:   policy,
	}
}

func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := retry.Do(ctx, s.retry, fn); err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%s: %w: %w", op, crawler.ErrPersistence, err)
	}
	return nil
}

func urlFilter(siteID, url string) bson.D {
	return bson.D{{Key: "site_id", Value: siteID}, {Key: "url", Value: url}}
}

// ClaimRemaining atomically moves one remaining URL to in_progress.
func (s *Store) ClaimRemaining(ctx context.Context, siteID string, now time.Time) (crawler.URLRecord, bool, error) {
	filter := bson.D{{Key: "site_id", Value: siteID}, {Key: "status", Value: crawler.StatusRemaining}}
	return s.claim(ctx, "claim remaining", filter, nil, now)
}

// ClaimRecrawl atomically moves the least recently crawled visited URL older
// than cutoff to in_progress.
func (s *Store) ClaimRecrawl(ctx context.Context, siteID string, cutoff, now time.Time) (crawler.URLRecord, bool, error) {
	filter := bson.D{
		{Key: "site_id", Value: siteID},
		{Key: "status", Value: crawler.StatusVisited},
		{Key: "last_crawled", Value: bson.D{{Key: "$lt", Value: cutoff}}},
	}
	sort := bson.D{{Key: "last_crawled", Value: 1}}
	return s.claim(ctx, "claim recrawl", filter, sort, now)
}

func (s *Store) claim(ctx context.Context, op string, filter, sort bson.D, now time.Time) (crawler.URLRecord, bool, error) {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: crawler.StatusInProgress},
		{Key: "updated_at", Value: now},
	}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if sort != nil {
		opts.SetSort(sort)
	}
	var rec crawler.URLRecord
	found := true
	err := s.do(ctx, op, func(ctx context.Context) error {
		err := s.urls.FindOneAndUpdate(ctx, filter, update, opts).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return crawler.URLRecord{}, false, err
	}
	return rec, true, nil
}

// InsertNew upserts unseen URLs as remaining in one unordered bulk write.
// Duplicate-key races with concurrent inserters are ignored.
func (s *Store) InsertNew(ctx context.Context, siteID string, urls []string, now time.Time) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	models := make([]mongo.WriteModel, 0, len(urls))
	for _, u := range urls {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(urlFilter(siteID, u)).
			SetUpdate(bson.D{{Key: "$setOnInsert", Value: bson.D{
				{Key: "status", Value: crawler.StatusRemaining},
				{Key: "first_seen", Value: now},
				{Key: "updated_at", Value: now},
				{Key: "status_info", Value: crawler.StatusInfo{}},
			}}}).
			SetUpsert(true))
	}
	inserted := 0
	err := s.do(ctx, "insert new urls", func(ctx context.Context) error {
		res, err := s.urls.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		if res != nil {
			inserted = int(res.UpsertedCount)
		}
		if err != nil && !onlyDuplicateKeys(err) {
			return err
		}
		return nil
	})
	return inserted, err
}

func onlyDuplicateKeys(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return mongo.IsDuplicateKeyError(err)
	}
	if bwe.WriteConcernError != nil {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

// GetURL loads one record or returns crawler.ErrNotFound.
func (s *Store) GetURL(ctx context.Context, siteID, url string) (crawler.URLRecord, error) {
	var rec crawler.URLRecord
	err := s.do(ctx, "get url", func(ctx context.Context) error {
		err := s.urls.FindOne(ctx, urlFilter(siteID, url)).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("url %s: %w", url, crawler.ErrNotFound)
		}
		return err
	})
	return rec, err
}

// SetStatusInfo writes the detector record directly so the next observation
// reads it back.
func (s *Store) SetStatusInfo(ctx context.Context, siteID, url string, info crawler.StatusInfo, now time.Time) error {
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "status_info", Value: info}, {Key: "updated_at", Value: now}}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "status", Value: crawler.StatusRemaining}, {Key: "first_seen", Value: now}}},
	}
	return s.do(ctx, "set status info", func(ctx context.Context) error {
		_, err := s.urls.UpdateOne(ctx, urlFilter(siteID, url), update, options.Update().SetUpsert(true))
		return err
	})
}

// RescueStuck resets in_progress URLs untouched since cutoff.
func (s *Store) RescueStuck(ctx context.Context, siteID string, cutoff, now time.Time) (int, error) {
	filter := bson.D{
		{Key: "site_id", Value: siteID},
		{Key: "status", Value: crawler.StatusInProgress},
		{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: cutoff}}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: crawler.StatusRemaining},
			{Key: "updated_at", Value: now},
			{Key: "last_rescued", Value: now},
		}},
		{Key: "$inc", Value: bson.D{{Key: "rescue_count", Value: 1}}},
	}
	rescued := 0
	err := s.do(ctx, "rescue stuck urls", func(ctx context.Context) error {
		res, err := s.urls.UpdateMany(ctx, filter, update)
		if err != nil {
			return err
		}
		rescued = int(res.ModifiedCount)
		return nil
	})
	return rescued, err
}

// Counts groups the site's records by status.
func (s *Store) Counts(ctx context.Context, siteID string) (crawler.FrontierCounts, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "site_id", Value: siteID}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	}
	var counts crawler.FrontierCounts
	err := s.do(ctx, "count urls", func(ctx context.Context) error {
		cur, err := s.urls.Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}
		var rows []struct {
			Status crawler.URLStatus `bson:"_id"`
			Count  int64             `bson:"count"`
		}
		if err := cur.All(ctx, &rows); err != nil {
			return err
		}
		counts = crawler.FrontierCounts{}
		for _, row := range rows {
			switch row.Status {
			case crawler.StatusRemaining:
				counts.Remaining = row.Count
			case crawler.StatusInProgress:
				counts.InProgress = row.Count
			case crawler.StatusVisited:
				counts.Visited = row.Count
			}
		}
		return nil
	})
	return counts, err
}

// LoadSite returns the site's state or crawler.ErrNotFound.
func (s *Store) LoadSite(ctx context.Context, siteID string) (crawler.SiteState, error) {
	var state crawler.SiteState
	err := s.do(ctx, "load site", func(ctx context.Context) error {
		err := s.sites.FindOne(ctx, bson.D{{Key: "site_id", Value: siteID}}).Decode(&state)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("site %s: %w", siteID, crawler.ErrNotFound)
		}
		return err
	})
	return state, err
}

// SaveSite upserts the site's state.
func (s *Store) SaveSite(ctx context.Context, state crawler.SiteState) error {
	return s.do(ctx, "save site", func(ctx context.Context) error {
		_, err := s.sites.ReplaceOne(ctx, bson.D{{Key: "site_id", Value: state.SiteID}}, state, options.Replace().SetUpsert(true))
		return err
	})
}

// DailyStats returns one day's counters; a missing day reads as zero.
func (s *Store) DailyStats(ctx context.Context, siteID, date string) (crawler.DailyStats, error) {
	stats := crawler.DailyStats{SiteID: siteID, Date: date}
	err := s.do(ctx, "load daily stats", func(ctx context.Context) error {
		err := s.daily.FindOne(ctx, bson.D{{Key: "site_id", Value: siteID}, {Key: "date", Value: date}}).Decode(&stats)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return err
	})
	return stats, err
}

// CountHistorySince counts history entries at or after since.
func (s *Store) CountHistorySince(ctx context.Context, siteID string, since time.Time) (int64, error) {
	filter := bson.D{
		{Key: "site_id", Value: siteID},
		{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: since}}},
	}
	var n int64
	err := s.do(ctx, "count history", func(ctx context.Context) error {
		var err error
		n, err = s.history.CountDocuments(ctx, filter)
		return err
	})
	return n, err
}
