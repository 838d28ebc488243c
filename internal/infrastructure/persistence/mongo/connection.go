// Package mongo implements the bot's repositories on MongoDB. Users live in
// the users collection; each tracked entity is one document in entities
// holding its hash collection and subscriber set.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const (
	usersCollection    = "users"
	entitiesCollection = "entities"
)

// Config holds MongoDB connection configuration.
type Config struct {
	// URI is a mongodb:// connection string.
	URI string

	// Database overrides the database named in URI.
	Database string

	// ConnectTimeout bounds connecting and server selection.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig(uri string) Config {
	return Config{
		URI:            uri,
		ConnectTimeout: 10 * time.Second,
	}
}

// Connection wraps a connected database handle.
type Connection struct {
	db *mongo.Database
}

// Connect dials MongoDB and pings the primary.
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	cs, err := connstring.ParseAndValidate(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("mongo: invalid URI: %w", err)
	}

	name := cfg.Database
	if name == "" {
		name = cs.Database
	}
	if name == "" {
		return nil, fmt.Errorf("mongo: database name is not set")
	}

	client, err := mongo.Connect(ctx,
		options.Client().ApplyURI(cs.String()),
		options.Client().SetConnectTimeout(cfg.ConnectTimeout),
		options.Client().SetServerSelectionTimeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	return &Connection{db: client.Database(name)}, nil
}

// Database returns the database handle.
func (c *Connection) Database() *mongo.Database {
	return c.db
}

// Ping checks the primary is reachable.
func (c *Connection) Ping(ctx context.Context) error {
	return c.db.Client().Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (c *Connection) Close(ctx context.Context) error {
	return c.db.Client().Disconnect(ctx)
}

// EnsureIndexes creates the indexes the repositories rely on. Existing
// indexes are left alone. It returns the names of newly created indexes.
func (c *Connection) EnsureIndexes(ctx context.Context) ([]string, error) {
	wanted := map[string]map[string]mongo.IndexModel{
		usersCollection: {
			"platform_1_user_id_1": {
				Keys:    bson.D{{Key: "platform", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("platform_1_user_id_1"),
			},
			"mailing_time_1": {
				Keys:    bson.D{{Key: "mailing_time", Value: 1}},
				Options: options.Index().SetSparse(true).SetName("mailing_time_1"),
			},
		},
		entitiesCollection: {
			"subscribers_1": {
				Keys:    bson.D{{Key: "subscribers.platform", Value: 1}, {Key: "subscribers.user_id", Value: 1}},
				Options: options.Index().SetName("subscribers_1"),
			},
		},
	}

	var created []string
	for coll, indexes := range wanted {
		view := c.db.Collection(coll).Indexes()

		existing := make(map[string]struct{})
		cur, err := view.List(ctx)
		if err != nil {
			return created, fmt.Errorf("mongo: list indexes of %s: %w", coll, err)
		}
		for cur.Next(ctx) {
			var spec bson.M
			if err := cur.Decode(&spec); err != nil {
				continue
			}
			if name, _ := spec["name"].(string); name != "" {
				existing[name] = struct{}{}
			}
		}
		_ = cur.Close(ctx)

		for name, idx := range indexes {
			if _, ok := existing[name]; ok {
				continue
			}
			if _, err := view.CreateOne(ctx, idx); err != nil {
				return created, fmt.Errorf("mongo: create index %s.%s: %w", coll, name, err)
			}
			created = append(created, coll+"."+name)
		}
	}

	return created, nil
}
