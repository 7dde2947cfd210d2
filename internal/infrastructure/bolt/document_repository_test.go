package bolt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabdocs/collabdocs/internal/domain/collab"
)

func openTemp(t *testing.T) (*DocumentRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docs.db")
	repo, err := Open(path)
	require.NoError(t, err)
	return repo, path
}

func TestDocumentRepository_SaveLoadAcrossReopen(t *testing.T) {
	repo, path := openTemp(t)
	ctx := context.Background()

	got, err := repo.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, &collab.Snapshot{
		DocumentID: "b",
		Doc:        json.RawMessage(`{"text":"hi"}`),
		Version:    1,
		Steps:      []collab.StoredStep{{Step: json.RawMessage(`{"stepType":"insert","pos":0,"text":"hi"}`), ClientID: 9}},
		Users:      []string{"10.0.0.3"},
		CreatedAt:  created,
		UpdatedAt:  created,
	}))
	require.NoError(t, repo.Close())

	repo, err = Open(path)
	require.NoError(t, err)
	defer repo.Close()

	got, err = repo.Load(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Version)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Doc))
	assert.Equal(t, []string{"10.0.0.3"}, got.Users)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, int64(9), got.Steps[0].ClientID)
	assert.True(t, created.Equal(got.CreatedAt))
}

func TestDocumentRepository_KeepsCreatedAtAndIgnoresStaleWrites(t *testing.T) {
	repo, _ := openTemp(t)
	defer repo.Close()
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, &collab.Snapshot{DocumentID: "b", Doc: json.RawMessage(`{"text":""}`), CreatedAt: created}))
	require.NoError(t, repo.Save(ctx, &collab.Snapshot{DocumentID: "b", Doc: json.RawMessage(`{"text":"x"}`), Version: 2, CreatedAt: created.Add(time.Hour)}))
	require.ErrorIs(t, repo.Save(ctx, &collab.Snapshot{DocumentID: "b", Doc: json.RawMessage(`{"text":"old"}`), Version: 1}), collab.ErrStaleSnapshot)

	got, err := repo.Load(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.JSONEq(t, `{"text":"x"}`, string(got.Doc))
	assert.True(t, created.Equal(got.CreatedAt))
}

func TestDocumentRepository_CanceledContext(t *testing.T) {
	repo, _ := openTemp(t)
	defer repo.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, repo.Save(ctx, &collab.Snapshot{DocumentID: "b"}), context.Canceled)
	_, err := repo.Load(ctx, "b")
	assert.ErrorIs(t, err, context.Canceled)
}
