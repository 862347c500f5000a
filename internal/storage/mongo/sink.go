package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

// Apply writes a batch of mutations with one unordered bulk write per
// collection. Per-document write errors are counted as failed; any other
// error aborts the batch and is returned for the caller to retry.
func (s *Store) Apply(ctx context.Context, batch []crawler.Mutation) (crawler.ApplyResult, error) {
	groups := map[*mongo.Collection][]mongo.WriteModel{}
	order := []*mongo.Collection{s.urls, s.daily, s.history, s.changes}
	var res crawler.ApplyResult
	for _, m := range batch {
		coll, model := s.model(m)
		if model == nil {
			res.Failed++
			continue
		}
		groups[coll] = append(groups[coll], model)
	}

	opts := options.BulkWrite().SetOrdered(false)
	for _, coll := range order {
		models := groups[coll]
		if len(models) == 0 {
			continue
		}
		_, err := coll.BulkWrite(ctx, models, opts)
		if err == nil {
			res.Applied += len(models)
			continue
		}
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) && bwe.WriteConcernError == nil && len(bwe.WriteErrors) > 0 {
			res.Failed += len(bwe.WriteErrors)
			res.Applied += len(models) - len(bwe.WriteErrors)
			continue
		}
		return res, fmt.Errorf("bulk write %s: %w: %w", coll.Name(), crawler.ErrPersistence, err)
	}
	return res, nil
}

func (s *Store) model(m crawler.Mutation) (*mongo.Collection, mongo.WriteModel) {
	switch m.Kind {
	case crawler.MutationMarkVisited:
		return s.urls, mongo.NewUpdateOneModel().
			SetFilter(urlFilter(m.SiteID, m.URL)).
			SetUpdate(bson.D{
				{Key: "$set", Value: bson.D{
					{Key: "status", Value: crawler.StatusVisited},
					{Key: "last_crawled", Value: m.At},
					{Key: "updated_at", Value: m.At},
				}},
				{Key: "$setOnInsert", Value: bson.D{{Key: "first_seen", Value: m.At}}},
			}).
			SetUpsert(true)
	case crawler.MutationSetRefs:
		if len(m.Refs) == 0 {
			return nil, nil
		}
		set := bson.D{{Key: "updated_at", Value: m.At}}
		for k, v := range m.Refs {
			set = append(set, bson.E{Key: "refs." + k, Value: v})
		}
		return s.urls, mongo.NewUpdateOneModel().
			SetFilter(urlFilter(m.SiteID, m.URL)).
			SetUpdate(bson.D{
				{Key: "$set", Value: set},
				{Key: "$setOnInsert", Value: bson.D{
					{Key: "status", Value: crawler.StatusRemaining},
					{Key: "first_seen", Value: m.At},
				}},
			}).
			SetUpsert(true)
	case crawler.MutationLastChange:
		if m.Summary == nil {
			return nil, nil
		}
		return s.urls, mongo.NewUpdateOneModel().
			SetFilter(urlFilter(m.SiteID, m.URL)).
			SetUpdate(bson.D{{Key: "$set", Value: bson.D{{Key: "last_change", Value: *m.Summary}}}})
	case crawler.MutationDailyStats:
		return s.daily, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "site_id", Value: m.SiteID}, {Key: "date", Value: m.Date}}).
			SetUpdate(bson.D{{Key: "$inc", Value: bson.D{
				{Key: "pages_crawled", Value: m.Stats.PagesCrawled},
				{Key: "new_pages", Value: m.Stats.NewPages},
				{Key: "changed_pages", Value: m.Stats.ChangedPages},
				{Key: "failed_pages", Value: m.Stats.FailedPages},
				{Key: "deleted_pages", Value: m.Stats.DeletedPages},
				{Key: "document_pages", Value: m.Stats.DocumentPages},
				{Key: "total_time", Value: m.Stats.TotalTime},
			}}}).
			SetUpsert(true)
	case crawler.MutationHistory:
		if m.History == nil {
			return nil, nil
		}
		return s.history, mongo.NewInsertOneModel().SetDocument(*m.History)
	case crawler.MutationPageChange:
		if m.Change == nil {
			return nil, nil
		}
		return s.changes, mongo.NewInsertOneModel().SetDocument(*m.Change)
	default:
		return nil, nil
	}
}
