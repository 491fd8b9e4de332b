// Package mongostore implements a MongoDB-backed checkpoint.Store: a narrow
// collection interface wrapping the concrete driver type for testability,
// an Options struct carrying an already-connected client, and
// context-scoped timeouts on every call.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/pipeflow/corepipe/checkpoint"
)

const (
	defaultCollection = "pipeline_checkpoints"
	defaultTimeout    = 5 * time.Second
)

// Options configures the Mongo-backed checkpoint store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type checkpointDocument struct {
	RunID     string          `bson:"_id"`
	Data      json.RawMessage `bson:"data"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

// Store persists checkpoint blobs as one document per run, upserted on
// every save (spec §4.6: only the latest checkpoint per run matters).
type Store struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Store backed by the provided, already-connected Mongo
// client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(name)
	return &Store{mongo: opts.Client, coll: mongoCollection{coll: mcoll}, timeout: timeout}, nil
}

// Ping verifies connectivity to the backing Mongo deployment.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save upserts the checkpoint document for runID.
func (s *Store) Save(ctx context.Context, runID string, data json.RawMessage) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := checkpointDocument{RunID: runID, Data: append(json.RawMessage(nil), data...), UpdatedAt: time.Now().UTC()}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": runID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Load fetches the checkpoint document for runID, or checkpoint.ErrNotFound.
func (s *Store) Load(ctx context.Context, runID string) (json.RawMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc checkpointDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": runID}, &doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, err
	}
	return doc.Data, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// collection is the subset of *mongo.Collection the store needs, narrowed
// so tests can supply a fake without a live Mongo deployment.
type collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	FindOne(ctx context.Context, filter any, dest any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, dest any) error {
	return c.coll.FindOne(ctx, filter).Decode(dest)
}
