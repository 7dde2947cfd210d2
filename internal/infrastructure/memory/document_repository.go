package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

// DocumentRepository keeps snapshots in process memory. Stored values are
// deep copies so callers cannot mutate what was saved.
type DocumentRepository struct {
	mu    sync.RWMutex
	docs  map[string]*collab.Snapshot
	saves int
}

func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{docs: make(map[string]*collab.Snapshot)}
}

func (r *DocumentRepository) Load(ctx context.Context, documentID string) (*collab.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.docs[documentID]
	if !ok {
		return nil, nil
	}
	return cloneSnapshot(snap), nil
}

// Save stores a copy of snapshot unless a newer version is stored. The first
// stored CreatedAt is kept.
func (r *DocumentRepository) Save(ctx context.Context, snapshot *collab.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := cloneSnapshot(snapshot)
	if prev, ok := r.docs[snap.DocumentID]; ok {
		if prev.Version > snap.Version {
			return fmt.Errorf("%w: %s stored at %d, got %d", collab.ErrStaleSnapshot, snap.DocumentID, prev.Version, snap.Version)
		}
		if !prev.CreatedAt.IsZero() {
			snap.CreatedAt = prev.CreatedAt
		}
	}
	r.docs[snap.DocumentID] = snap
	r.saves++
	return nil
}

// Saves reports how many snapshots have been written.
func (r *DocumentRepository) Saves() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves
}

func cloneSnapshot(in *collab.Snapshot) *collab.Snapshot {
	out := *in
	out.Doc = append(json.RawMessage(nil), in.Doc...)
	out.Steps = make([]collab.StoredStep, len(in.Steps))
	for i, s := range in.Steps {
		out.Steps[i] = collab.StoredStep{Step: append(json.RawMessage(nil), s.Step...), ClientID: s.ClientID}
	}
	out.Users = append([]string(nil), in.Users...)
	return &out
}
