// Package mongo stores document snapshots in a MongoDB collection, one
// record per document keyed by documentId.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

const collectionName = "documents"

// Connect opens a client and checks the primary is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

type storedStep struct {
	Step     string `bson:"step"`
	ClientID int64  `bson:"clientID"`
}

type document struct {
	DocumentID string       `bson:"documentId"`
	Doc        string       `bson:"doc"`
	Version    int          `bson:"version"`
	Steps      []storedStep `bson:"steps"`
	Users      []string     `bson:"users"`
	CreatedAt  time.Time    `bson:"createdAt"`
	UpdatedAt  time.Time    `bson:"updatedAt"`
}

// DocumentRepository implements collab.Repository.
type DocumentRepository struct {
	coll *mongo.Collection
}

func NewDocumentRepository(db *mongo.Database) *DocumentRepository {
	return &DocumentRepository{coll: db.Collection(collectionName)}
}

// EnsureIndexes creates the unique documentId index Save relies on and the
// recency index used by operators.
func (r *DocumentRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "documentId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	})
	return err
}

func (r *DocumentRepository) Load(ctx context.Context, documentID string) (*collab.Snapshot, error) {
	var d document
	err := r.coll.FindOne(ctx, bson.D{{Key: "documentId", Value: documentID}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &collab.Snapshot{
		DocumentID: d.DocumentID,
		Doc:        json.RawMessage(d.Doc),
		Version:    d.Version,
		Steps:      make([]collab.StoredStep, 0, len(d.Steps)),
		Users:      d.Users,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
	for _, s := range d.Steps {
		snap.Steps = append(snap.Steps, collab.StoredStep{Step: json.RawMessage(s.Step), ClientID: s.ClientID})
	}
	return snap, nil
}

// Save upserts the snapshot unless a newer version is already stored.
func (r *DocumentRepository) Save(ctx context.Context, snap *collab.Snapshot) error {
	steps := make([]storedStep, 0, len(snap.Steps))
	for _, s := range snap.Steps {
		steps = append(steps, storedStep{Step: string(s.Step), ClientID: s.ClientID})
	}
	users := snap.Users
	if users == nil {
		users = []string{}
	}

	filter := bson.D{
		{Key: "documentId", Value: snap.DocumentID},
		{Key: "version", Value: bson.D{{Key: "$lte", Value: snap.Version}}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "doc", Value: string(snap.Doc)},
			{Key: "version", Value: snap.Version},
			{Key: "steps", Value: steps},
			{Key: "users", Value: users},
			{Key: "updatedAt", Value: snap.UpdatedAt},
		}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "createdAt", Value: snap.CreatedAt}}},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// a newer version is stored; the filter missed and the upsert collided
		return fmt.Errorf("%w: %s at %d", collab.ErrStaleSnapshot, snap.DocumentID, snap.Version)
	}
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return fmt.Errorf("%w: %s at %d", collab.ErrStaleSnapshot, snap.DocumentID, snap.Version)
	}
	return nil
}
