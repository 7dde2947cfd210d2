package collab

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot is the persisted form of one document.
type Snapshot struct {
	DocumentID string          `json:"documentId"`
	Doc        json.RawMessage `json:"doc"`
	Version    int             `json:"version"`
	Steps      []StoredStep    `json:"steps"`
	Users      []string        `json:"users"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// StoredStep is one retained history entry.
type StoredStep struct {
	Step     json.RawMessage `json:"step"`
	ClientID int64           `json:"clientID"`
}

// Repository persists document snapshots. Load returns nil, nil when the
// document has never been saved. Save never replaces a newer stored version;
// it returns ErrStaleSnapshot instead.
type Repository interface {
	Load(ctx context.Context, documentID string) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// Broadcaster fans document activity out to streaming subscribers.
type Broadcaster interface {
	Broadcast(documentID, event string, data json.RawMessage)
}
