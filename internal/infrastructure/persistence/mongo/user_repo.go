package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

type userDoc struct {
	Platform       string    `bson:"platform"`
	UserID         int64     `bson:"user_id"`
	EntityName     string    `bson:"entity_name"`
	EntityKind     string    `bson:"entity_kind"`
	NotifyOnChange bool      `bson:"notify_on_change"`
	MailingTime    string    `bson:"mailing_time,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toUserDoc(u *subscription.User) userDoc {
	return userDoc{
		Platform:       string(u.Platform),
		UserID:         u.ID,
		EntityName:     u.Entity.Name,
		EntityKind:     string(u.Entity.Kind),
		NotifyOnChange: u.NotifyOnChange,
		MailingTime:    u.MailingTime,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

func (d userDoc) toUser() *subscription.User {
	return &subscription.User{
		ID:             d.UserID,
		Platform:       subscription.Platform(d.Platform),
		Entity:         schedule.Entity{Name: d.EntityName, Kind: schedule.EntityKind(d.EntityKind)},
		NotifyOnChange: d.NotifyOnChange,
		MailingTime:    d.MailingTime,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func userFilter(key subscription.Subscriber) bson.M {
	return bson.M{"platform": string(key.Platform), "user_id": key.UserID}
}

// UserRepository implements subscription.UserRepository for MongoDB.
type UserRepository struct {
	coll *mongo.Collection
}

var _ subscription.UserRepository = (*UserRepository)(nil)

// NewUserRepository creates a new UserRepository.
func NewUserRepository(conn *Connection) *UserRepository {
	return &UserRepository{coll: conn.Database().Collection(usersCollection)}
}

// Get returns the user keyed by (platform, id).
func (r *UserRepository) Get(ctx context.Context, key subscription.Subscriber) (*subscription.User, bool, error) {
	var doc userDoc
	err := r.coll.FindOne(ctx, userFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, shared.StoreError("mongo", "GetUser", err)
	}
	return doc.toUser(), true, nil
}

// Save inserts or replaces the user.
func (r *UserRepository) Save(ctx context.Context, u *subscription.User) error {
	_, err := r.coll.ReplaceOne(ctx, userFilter(u.Subscriber()), toUserDoc(u), options.Replace().SetUpsert(true))
	if err != nil {
		return shared.StoreError("mongo", "SaveUser", err)
	}
	return nil
}

// FindByMailingTime returns users whose mailing time equals hhmm.
func (r *UserRepository) FindByMailingTime(ctx context.Context, hhmm string) ([]subscription.Subscriber, error) {
	if hhmm == "" {
		return nil, nil
	}

	cur, err := r.coll.Find(ctx,
		bson.M{"mailing_time": hhmm},
		options.Find().
			SetProjection(bson.M{"platform": 1, "user_id": 1}).
			SetSort(bson.D{{Key: "platform", Value: 1}, {Key: "user_id", Value: 1}}),
	)
	if err != nil {
		return nil, shared.StoreError("mongo", "FindByMailingTime", err)
	}

	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, shared.StoreError("mongo", "FindByMailingTime", err)
	}

	out := make([]subscription.Subscriber, 0, len(docs))
	for _, d := range docs {
		out = append(out, subscription.Subscriber{UserID: d.UserID, Platform: subscription.Platform(d.Platform)})
	}
	return out, nil
}

// Count returns the number of stored users.
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, shared.StoreError("mongo", "CountUsers", err)
	}
	return n, nil
}
