package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/JakeFAU/sitewatch/internal/crawler"
	"github.com/JakeFAU/sitewatch/internal/retry"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(mt *mtest.T) *Store {
	return NewStore(mt.DB, retry.Policy{MaxAttempts: 1})
}

func TestClaim(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("remaining", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
			{Key: "site_id", Value: "s"},
			{Key: "url", Value: "https://example.com/a"},
			{Key: "status", Value: "in_progress"},
		}}))

		rec, ok, err := store.ClaimRemaining(context.Background(), "s", now)
		require.NoError(mt, err)
		require.True(mt, ok)
		require.Equal(mt, "https://example.com/a", rec.URL)
		require.Equal(mt, crawler.StatusInProgress, rec.Status)

		evt := mt.GetStartedEvent()
		require.Equal(mt, "findAndModify", evt.CommandName)
		query := evt.Command.Lookup("query").Document()
		require.Equal(mt, "remaining", query.Lookup("status").StringValue())
		require.Equal(mt, "s", query.Lookup("site_id").StringValue())
	})

	mt.Run("recrawl sorts by last crawled", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
			{Key: "site_id", Value: "s"},
			{Key: "url", Value: "https://example.com/old"},
			{Key: "status", Value: "in_progress"},
		}}))

		rec, ok, err := store.ClaimRecrawl(context.Background(), "s", now.Add(-72*time.Hour), now)
		require.NoError(mt, err)
		require.True(mt, ok)
		require.Equal(mt, "https://example.com/old", rec.URL)

		evt := mt.GetStartedEvent()
		sort := evt.Command.Lookup("sort").Document()
		require.Equal(mt, int64(1), sort.Lookup("last_crawled").AsInt64())
		query := evt.Command.Lookup("query").Document()
		require.Equal(mt, "visited", query.Lookup("status").StringValue())
	})

	mt.Run("empty frontier", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}))

		_, ok, err := store.ClaimRemaining(context.Background(), "s", now)
		require.NoError(mt, err)
		require.False(mt, ok)
	})
}

func TestInsertNew(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("counts upserts", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 2},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{
				bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "id-a"}},
				bson.D{{Key: "index", Value: 1}, {Key: "_id", Value: "id-b"}},
			}},
		))

		n, err := store.InsertNew(context.Background(), "s", []string{"https://example.com/a", "https://example.com/b"}, now)
		require.NoError(mt, err)
		require.Equal(mt, 2, n)
		require.Equal(mt, "update", mt.GetStartedEvent().CommandName)
	})

	mt.Run("swallows duplicate key races", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}))

		n, err := store.InsertNew(context.Background(), "s", []string{"https://example.com/a"}, now)
		require.NoError(mt, err)
		require.Zero(mt, n)
	})

	mt.Run("reports other write errors", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 2, Message: "bad value"}))

		_, err := store.InsertNew(context.Background(), "s", []string{"https://example.com/a"}, now)
		require.ErrorIs(mt, err, crawler.ErrPersistence)
	})

	mt.Run("no urls", func(mt *mtest.T) {
		n, err := newMockStore(mt).InsertNew(context.Background(), "s", nil, now)
		require.NoError(mt, err)
		require.Zero(mt, n)
	})
}

func TestRescueStuck(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("resets stale in progress", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}, bson.E{Key: "nModified", Value: 3}))

		n, err := store.RescueStuck(context.Background(), "s", now.Add(-time.Hour), now)
		require.NoError(mt, err)
		require.Equal(mt, 3, n)

		evt := mt.GetStartedEvent()
		require.Equal(mt, "update", evt.CommandName)
		update := evt.Command.Lookup("updates").Array().Index(0).Value().Document()
		require.True(mt, update.Lookup("multi").Boolean())
		require.Equal(mt, "in_progress", update.Lookup("q", "status").StringValue())
	})
}

func TestCountsAndLookups(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("counts by status", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "sitewatch.url_states", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "remaining"}, {Key: "count", Value: 5}},
			bson.D{{Key: "_id", Value: "visited"}, {Key: "count", Value: 7}},
		))

		counts, err := store.Counts(context.Background(), "s")
		require.NoError(mt, err)
		require.Equal(mt, crawler.FrontierCounts{Remaining: 5, Visited: 7}, counts)
	})

	mt.Run("get url not found", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "sitewatch.url_states", mtest.FirstBatch))

		_, err := store.GetURL(context.Background(), "s", "https://example.com/missing")
		require.ErrorIs(mt, err, crawler.ErrNotFound)
	})

	mt.Run("load site", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "sitewatch.site_state", mtest.FirstBatch,
			bson.D{
				{Key: "site_id", Value: "s"},
				{Key: "name", Value: "Example"},
				{Key: "total_pages_estimate", Value: 5196},
				{Key: "current_cycle", Value: 2},
				{Key: "is_first_cycle", Value: false},
			},
		))

		state, err := store.LoadSite(context.Background(), "s")
		require.NoError(mt, err)
		require.Equal(mt, "Example", state.Name)
		require.Equal(mt, 2, state.CurrentCycle)
	})

	mt.Run("missing site", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "sitewatch.site_state", mtest.FirstBatch))

		_, err := store.LoadSite(context.Background(), "s")
		require.ErrorIs(mt, err, crawler.ErrNotFound)
	})

	mt.Run("missing daily stats read as zero", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "sitewatch.daily_stats", mtest.FirstBatch))

		stats, err := store.DailyStats(context.Background(), "s", "2024-05-01")
		require.NoError(mt, err)
		require.Equal(mt, crawler.DailyStats{SiteID: "s", Date: "2024-05-01"}, stats)
	})

	mt.Run("count history", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "sitewatch.performance_history", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: 1}, {Key: "n", Value: 42}},
		))

		n, err := store.CountHistorySince(context.Background(), "s", now.Add(-time.Hour))
		require.NoError(mt, err)
		require.Equal(mt, int64(42), n)
	})
}

func TestApply(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	batch := []crawler.Mutation{
		{Kind: crawler.MutationMarkVisited, SiteID: "s", URL: "https://example.com/a", At: now},
		{Kind: crawler.MutationDailyStats, SiteID: "s", Date: "2024-05-01", Stats: crawler.DailyStats{PagesCrawled: 1}},
		{Kind: crawler.MutationHistory, SiteID: "s", History: &crawler.HistoryEntry{SiteID: "s", URL: "https://example.com/a", Timestamp: now}},
		{Kind: crawler.MutationPageChange, SiteID: "s", Change: &crawler.PageChange{ID: "c1", SiteID: "s", URL: "https://example.com/a", Timestamp: now}},
		{Kind: crawler.MutationHistory, SiteID: "s"},
	}

	mt.Run("one bulk write per collection", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		res, err := store.Apply(context.Background(), batch)
		require.NoError(mt, err)
		require.Equal(mt, crawler.ApplyResult{Applied: 4, Failed: 1}, res)

		var commands []string
		for evt := mt.GetStartedEvent(); evt != nil; evt = mt.GetStartedEvent() {
			commands = append(commands, evt.CommandName)
		}
		require.Equal(mt, []string{"update", "update", "insert", "insert"}, commands)
	})

	mt.Run("write errors count as failed", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 2, Message: "bad"}),
		)

		res, err := store.Apply(context.Background(), batch[:1])
		require.NoError(mt, err)
		require.Equal(mt, crawler.ApplyResult{Failed: 1}, res)
	})

	mt.Run("command errors abort the batch", func(mt *mtest.T) {
		store := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    8000,
			Name:    "AtlasError",
			Message: "boom",
		}))

		_, err := store.Apply(context.Background(), batch[:1])
		require.ErrorIs(mt, err, crawler.ErrPersistence)
	})
}

func TestEnsureIndexes(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("creates indexes for every collection", func(mt *mtest.T) {
		for i := 0; i < 5; i++ {
			mt.AddMockResponses(mtest.CreateSuccessResponse())
		}
		require.NoError(mt, EnsureIndexes(context.Background(), mt.DB))

		var collections []string
		for evt := mt.GetStartedEvent(); evt != nil; evt = mt.GetStartedEvent() {
			require.Equal(mt, "createIndexes", evt.CommandName)
			collections = append(collections, evt.Command.Lookup("createIndexes").StringValue())
		}
		require.Equal(mt, []string{CollURLStates, CollSiteState, CollDailyStats, CollHistory, CollPageChanges}, collections)
	})
}

func TestConnectRequiresURI(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.Error(t, err)
}
