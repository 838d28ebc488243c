package mongo

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

type hashDoc struct {
	Date string `bson:"date"`
	Hash string `bson:"hash"`
}

type subscriberDoc struct {
	Platform string `bson:"platform"`
	UserID   int64  `bson:"user_id"`
}

// entityDoc is one document of the entities collection. Hashes is nil until
// the first check of the entity.
type entityDoc struct {
	Name        string          `bson:"_id"`
	Hashes      *[]hashDoc      `bson:"hashes,omitempty"`
	PolledOn    string          `bson:"polled_on,omitempty"`
	Subscribers []subscriberDoc `bson:"subscribers,omitempty"`
	UpdatedAt   time.Time       `bson:"updated_at,omitempty"`
}

func toHashDocs(hashes []schedule.DateHash) []hashDoc {
	docs := make([]hashDoc, 0, len(hashes))
	for _, h := range hashes {
		docs = append(docs, hashDoc{Date: h.Date.ISO(), Hash: h.Hash})
	}
	return docs
}

func fromHashDocs(docs []hashDoc) ([]schedule.DateHash, error) {
	out := make([]schedule.DateHash, 0, len(docs))
	for _, d := range docs {
		date, err := schedule.ParseISODate(d.Date)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule.DateHash{Date: date, Hash: d.Hash})
	}
	return out, nil
}

func fromSubscriberDocs(docs []subscriberDoc) []subscription.Subscriber {
	out := make([]subscription.Subscriber, 0, len(docs))
	for _, d := range docs {
		out = append(out, subscription.Subscriber{UserID: d.UserID, Platform: subscription.Platform(d.Platform)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// EntityRepository implements schedule.HashRepository and subscription.Registry.
type EntityRepository struct {
	coll *mongo.Collection
}

var (
	_ schedule.HashRepository = (*EntityRepository)(nil)
	_ subscription.Registry   = (*EntityRepository)(nil)
)

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(conn *Connection) *EntityRepository {
	return &EntityRepository{coll: conn.Database().Collection(entitiesCollection)}
}

// SwapHashes implements schedule.HashRepository with a single
// FindOneAndUpdate returning the document as it was before the update.
func (r *EntityRepository) SwapHashes(ctx context.Context, entity string, next schedule.HashCollection) (schedule.HashCollection, bool, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before).
		SetProjection(bson.M{"hashes": 1, "polled_on": 1})

	set := bson.M{"hashes": toHashDocs(next.Hashes), "updated_at": time.Now().UTC()}
	update := bson.M{"$set": set}
	if next.PolledOn.IsZero() {
		update["$unset"] = bson.M{"polled_on": ""}
	} else {
		set["polled_on"] = next.PolledOn.ISO()
	}

	var before entityDoc
	err := r.coll.FindOneAndUpdate(ctx, bson.M{"_id": entity}, update, opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return schedule.HashCollection{}, false, nil
	}
	if err != nil {
		return schedule.HashCollection{}, false, shared.StoreError("mongo", "SwapHashes", err)
	}
	if before.Hashes == nil {
		return schedule.HashCollection{}, false, nil
	}

	var previous schedule.HashCollection
	if previous.Hashes, err = fromHashDocs(*before.Hashes); err != nil {
		return schedule.HashCollection{}, false, shared.StoreError("mongo", "SwapHashes", err)
	}
	if before.PolledOn != "" {
		if previous.PolledOn, err = schedule.ParseISODate(before.PolledOn); err != nil {
			return schedule.HashCollection{}, false, shared.StoreError("mongo", "SwapHashes", err)
		}
	}
	return previous, true, nil
}

// Add implements subscription.Registry.
func (r *EntityRepository) Add(ctx context.Context, entity string, s subscription.Subscriber) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": entity},
		bson.M{"$addToSet": bson.M{"subscribers": subscriberDoc{Platform: string(s.Platform), UserID: s.UserID}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return shared.StoreError("mongo", "AddSubscriber", err)
	}
	return nil
}

// Remove implements subscription.Registry. The entity is deleted only while
// its set is still empty, so a concurrent Add wins.
func (r *EntityRepository) Remove(ctx context.Context, entity string, s subscription.Subscriber) (bool, error) {
	var after entityDoc
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": entity},
		bson.M{"$pull": bson.M{"subscribers": subscriberDoc{Platform: string(s.Platform), UserID: s.UserID}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After).SetProjection(bson.M{"subscribers": 1}),
	).Decode(&after)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, shared.StoreError("mongo", "RemoveSubscriber", err)
	}
	if len(after.Subscribers) > 0 {
		return false, nil
	}

	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": entity, "$or": emptySubscribers()})
	if err != nil {
		return false, shared.StoreError("mongo", "RemoveSubscriber", err)
	}
	return res.DeletedCount > 0, nil
}

// Subscribers implements subscription.Registry.
func (r *EntityRepository) Subscribers(ctx context.Context, entity string) ([]subscription.Subscriber, error) {
	var doc entityDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": entity},
		options.FindOne().SetProjection(bson.M{"subscribers": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, shared.StoreError("mongo", "Subscribers", err)
	}
	return fromSubscriberDocs(doc.Subscribers), nil
}

// Entities implements subscription.Registry.
func (r *EntityRepository) Entities(ctx context.Context) ([]string, error) {
	cur, err := r.coll.Find(ctx,
		bson.M{"subscribers.0": bson.M{"$exists": true}},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.M{"_id": 1}),
	)
	if err != nil {
		return nil, shared.StoreError("mongo", "Entities", err)
	}

	var docs []entityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, shared.StoreError("mongo", "Entities", err)
	}

	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.Name)
	}
	return names, nil
}

// Orphans implements subscription.Registry.
func (r *EntityRepository) Orphans(ctx context.Context) ([]string, error) {
	cur, err := r.coll.Find(ctx,
		bson.M{"$or": emptySubscribers()},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.M{"_id": 1}),
	)
	if err != nil {
		return nil, shared.StoreError("mongo", "Orphans", err)
	}

	var docs []entityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, shared.StoreError("mongo", "Orphans", err)
	}

	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.Name)
	}
	return names, nil
}

// PruneOrphan implements subscription.Registry.
func (r *EntityRepository) PruneOrphan(ctx context.Context, entity string) (bool, error) {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": entity, "$or": emptySubscribers()})
	if err != nil {
		return false, shared.StoreError("mongo", "PruneOrphan", err)
	}
	return res.DeletedCount > 0, nil
}

func emptySubscribers() bson.A {
	return bson.A{
		bson.M{"subscribers": bson.M{"$exists": false}},
		bson.M{"subscribers": bson.M{"$size": 0}},
	}
}
