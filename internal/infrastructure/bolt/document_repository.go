// Package bolt keeps document snapshots in an embedded bbolt file, for
// single-node deployments without a database server.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

var documentsBucket = []byte("documents")

// DocumentRepository implements collab.Repository.
type DocumentRepository struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*DocumentRepository, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DocumentRepository{db: db}, nil
}

func (r *DocumentRepository) Close() error {
	return r.db.Close()
}

func (r *DocumentRepository) Load(ctx context.Context, documentID string) (*collab.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snap *collab.Snapshot
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(documentsBucket).Get([]byte(documentID))
		if raw == nil {
			return nil
		}
		snap = &collab.Snapshot{}
		return json.Unmarshal(raw, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", documentID, err)
	}
	return snap, nil
}

// Save writes the snapshot unless a newer version is stored. The first
// stored CreatedAt is kept.
func (r *DocumentRepository) Save(ctx context.Context, snap *collab.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		key := []byte(snap.DocumentID)
		out := *snap
		if raw := b.Get(key); raw != nil {
			var prev collab.Snapshot
			if err := json.Unmarshal(raw, &prev); err == nil {
				if prev.Version > snap.Version {
					return fmt.Errorf("%w: %s stored at %d, got %d", collab.ErrStaleSnapshot, snap.DocumentID, prev.Version, snap.Version)
				}
				if !prev.CreatedAt.IsZero() {
					out.CreatedAt = prev.CreatedAt
				}
			}
		}
		data, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}
