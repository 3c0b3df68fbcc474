package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config mirrors the mongo_config YAML block. The three collection fields
// are name prefixes; the concrete collection is derived per rule id.
type Config struct {
	Host                   string `yaml:"host" validate:"required"`
	Port                   int    `yaml:"port" default:"27017" validate:"gt=0"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	DB                     string `yaml:"db" validate:"required"`
	Collection             string `yaml:"collection"`
	WaringCollection       string `yaml:"waring_collection"`
	ScriptWaringCollection string `yaml:"script_waring_collection"`
}

// URI builds the connection string.
func (c Config) URI() string {
	if c.Username != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d", c.Username, c.Password, c.Host, c.Port)
	}
	return fmt.Sprintf("mongodb://%s:%d", c.Host, c.Port)
}

// Client is the alert-document store. Collections are created lazily on
// first insert.
type Client struct {
	cfg    Config
	logger *slog.Logger
	client *mongo.Client
	db     *mongo.Database
}

// New connects and pings the server.
func New(cfg Config) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := options.Client().ApplyURI(cfg.URI()).SetConnectTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("error connecting to document store: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error pinging document store: %w", err)
	}

	logger := slog.Default().With("context", "Doc Store")
	logger.Info("document store connected", "host", cfg.Host, "db", cfg.DB)

	return &Client{
		cfg:    cfg,
		logger: logger,
		client: client,
		db:     client.Database(cfg.DB),
	}, nil
}

// AlertPrefix returns the range-alert collection prefix.
func (c *Client) AlertPrefix() string {
	return c.cfg.WaringCollection
}

// ScriptAlertPrefix returns the window-alert collection prefix.
func (c *Client) ScriptAlertPrefix() string {
	return c.cfg.ScriptWaringCollection
}

// EnsureCollection creates the collection when missing and is silent when
// present.
func (c *Client) EnsureCollection(ctx context.Context, name string) error {
	names, err := c.db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return fmt.Errorf("error listing collections: %w", err)
	}
	if len(names) > 0 {
		return nil
	}

	if err := c.db.CreateCollection(ctx, name); err != nil {
		// A concurrent creator may win the race; NamespaceExists means present.
		var srvErr mongo.ServerError
		if errors.As(err, &srvErr) && srvErr.HasErrorCode(48) {
			return nil
		}
		return fmt.Errorf("error creating collection %s: %w", name, err)
	}

	c.logger.Debug("collection created", "collection", name)
	return nil
}

// Insert stores one document, creating the collection on first use.
func (c *Client) Insert(ctx context.Context, collection string, doc any) error {
	if err := c.EnsureCollection(ctx, collection); err != nil {
		return err
	}
	if _, err := c.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("error inserting into %s: %w", collection, err)
	}
	return nil
}

// Find returns every document of a collection matching filter.
func (c *Client) Find(ctx context.Context, collection string, filter bson.M) ([]bson.M, error) {
	cursor, err := c.db.Collection(collection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("error querying %s: %w", collection, err)
	}
	defer func() {
		if err := cursor.Close(ctx); err != nil {
			c.logger.Warn("error closing cursor", "collection", collection, "err", err)
		}
	}()

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error reading %s documents: %w", collection, err)
	}
	return docs, nil
}

// Close disconnects from the server.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("error closing document store: %w", err)
	}
	return nil
}
