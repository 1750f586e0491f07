package mongox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultMaxPoolSize            = 50
)

// Client wraps a connected *mongo.Client bound to one database.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

func Open(ctx context.Context, uri, database string) (*Client, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("mongo uri is required")
	}
	if strings.TrimSpace(database) == "" {
		return nil, errors.New("mongo database is required")
	}

	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(defaultServerSelectionTimeout).
		SetMaxPoolSize(defaultMaxPoolSize)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Client{client: client, db: client.Database(database)}, nil
}

func (c *Client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// EnsureIndexes creates the given indexes on collection. Creating an index
// that already exists with the same keys and options is a no-op on the server.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error {
	if len(indexes) == 0 {
		return nil
	}
	if _, err := c.db.Collection(collection).Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("mongo create indexes on %s: %w", collection, err)
	}
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Disconnect(ctx)
}

func ReadyCheck(c *Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if c == nil || c.client == nil {
			return errors.New("mongo not configured")
		}
		return c.client.Ping(ctx, readpref.Primary())
	}
}
