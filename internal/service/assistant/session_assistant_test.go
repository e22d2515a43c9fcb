package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOrCreateIssuesFreshIDs(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := svc.ResolveOrCreate(ctx, "")
		require.NoError(t, err)
		_, err = uuid.Parse(id)
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true

		exists, err := svc.ConversationExists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists)
	}

	id, err := svc.ResolveOrCreate(ctx, "   ")
	require.NoError(t, err)
	assert.NotEqual(t, "   ", id, "blank id counts as absent")
}

func TestResolveOrCreateKeepsClientID(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	id, err := svc.ResolveOrCreate(ctx, "client-chosen")
	require.NoError(t, err)
	assert.Equal(t, "client-chosen", id)

	// no row is created for an unknown id
	exists, err := svc.ConversationExists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	var count int
	require.NoError(t, svc.DB().Get(&count, `SELECT COUNT(*) FROM conversations`))
	assert.Zero(t, count)
}

func TestGetConversation(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	created, err := svc.CreateConversation(ctx)
	require.NoError(t, err)

	got, err := svc.GetConversation(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

	_, err = svc.GetConversation(ctx, "missing")
	assert.True(t, errors.Is(err, ErrConversationNotFound))
}

func TestCreateConversationStorageFailure(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	require.NoError(t, db.Close())

	_, err := svc.ResolveOrCreate(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "create conversation", storageErr.Op)
}
