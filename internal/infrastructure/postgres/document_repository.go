package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

// DocumentRepository implements collab.Repository.
type DocumentRepository struct {
	pool *pgxpool.Pool
}

func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

func (r *DocumentRepository) Load(ctx context.Context, documentID string) (*collab.Snapshot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT document_id, doc, version, steps, users, created_at, updated_at
		FROM documents WHERE document_id=$1
	`, documentID)
	return scanDocument(row)
}

// Save upserts the snapshot. A snapshot older than the stored one is not
// written and collab.ErrStaleSnapshot is returned.
func (r *DocumentRepository) Save(ctx context.Context, snap *collab.Snapshot) error {
	steps, err := json.Marshal(snap.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	users := snap.Users
	if users == nil {
		users = []string{}
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO documents
		(document_id, doc, version, steps, users, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (document_id) DO UPDATE SET
			doc=EXCLUDED.doc,
			version=EXCLUDED.version,
			steps=EXCLUDED.steps,
			users=EXCLUDED.users,
			updated_at=EXCLUDED.updated_at
		WHERE documents.version <= EXCLUDED.version
	`, snap.DocumentID, string(snap.Doc), snap.Version, string(steps), users, snap.CreatedAt, snap.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at %d", collab.ErrStaleSnapshot, snap.DocumentID, snap.Version)
	}
	return nil
}

func scanDocument(row pgx.Row) (*collab.Snapshot, error) {
	var s collab.Snapshot
	var doc, steps []byte
	var createdAt, updatedAt time.Time
	if err := row.Scan(&s.DocumentID, &doc, &s.Version, &steps, &s.Users, &createdAt, &updatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(steps, &s.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of %s: %w", s.DocumentID, err)
	}
	s.Doc = json.RawMessage(doc)
	s.CreatedAt = createdAt.UTC()
	s.UpdatedAt = updatedAt.UTC()
	return &s, nil
}
