package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnehpets/storefront/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "links.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetMissing(t *testing.T) {
	store := openTempStore(t)
	_, err := store.Get(context.Background(), "gid://shopify/Customer/1")
	assert.ErrorIs(t, err, bridge.ErrLinkNotFound)
}

func TestUpsertAndGet(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, bridge.Identity{
		ExternalSubject: "gid://shopify/Customer/1",
		Email:           "ada@example.com",
		InternalUserID:  "user-1",
		CreatedAt:       created,
		UpdatedAt:       created,
	}))

	got, err := store.Get(ctx, "gid://shopify/Customer/1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.Equal(t, "user-1", got.InternalUserID)
	assert.True(t, got.CreatedAt.Equal(created))

	later := created.Add(time.Hour)
	require.NoError(t, store.Upsert(ctx, bridge.Identity{
		ExternalSubject: "gid://shopify/Customer/1",
		Email:           "ada@lovelace.example",
		InternalUserID:  "user-2",
		CreatedAt:       later,
		UpdatedAt:       later,
	}))

	got, err = store.Get(ctx, "gid://shopify/Customer/1")
	require.NoError(t, err)
	assert.Equal(t, "ada@lovelace.example", got.Email)
	assert.Equal(t, "user-2", got.InternalUserID)
	assert.True(t, got.CreatedAt.Equal(created), "created_at must survive an update")
	assert.True(t, got.UpdatedAt.Equal(later))
}

func TestUpsertValidation(t *testing.T) {
	store := openTempStore(t)
	err := store.Upsert(context.Background(), bridge.Identity{ExternalSubject: "x"})
	assert.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), bridge.Identity{
		ExternalSubject: "s", Email: "e@example.com", InternalUserID: "u",
	}))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "u", got.InternalUserID)
}

func TestOpenMemory(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Upsert(context.Background(), bridge.Identity{
		ExternalSubject: "s", Email: "e@example.com", InternalUserID: "u",
	}))
	_, err = store.Get(context.Background(), "s")
	assert.NoError(t, err)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(" ")
	assert.Error(t, err)
}

func TestExtractUp(t *testing.T) {
	assert.Equal(t, "\nA;\n", extractUp("-- +migrate Up\nA;\n-- +migrate Down\nB;"))
	assert.Equal(t, "A;", extractUp("A;"))
}
