package assistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/config"
	"supportchat/internal/models"
	"supportchat/internal/storage"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAndReadOrdered(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx)
	require.NoError(t, err)

	steps := []models.Turn{
		{Sender: models.SenderUser, Text: "Do you ship to USA?"},
		{Sender: models.SenderAI, Text: "Yes, within 3-5 business days."},
		{Sender: models.SenderUser, Text: "  And returns?  "},
		{Sender: models.SenderAI, Text: "Unused items within 7 days."},
	}
	for i, step := range steps {
		msg, err := svc.AppendMessage(ctx, conv.ID, step.Sender, step.Text)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), msg.Seq)
		assert.NotEmpty(t, msg.ID)
	}

	got, err := svc.ReadOrdered(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, steps, got, "text is stored exactly as given")

	again, err := svc.ReadOrdered(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestReadOrderedBreaksTimestampTiesBySeq(t *testing.T) {
	svc := NewService(openTestDB(t))
	frozen := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return frozen }
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx)
	require.NoError(t, err)
	for _, text := range []string{"first", "second", "third"} {
		_, err := svc.AppendMessage(ctx, conv.ID, models.SenderUser, text)
		require.NoError(t, err)
	}

	msgs, err := svc.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, want := range []string{"first", "second", "third"} {
		assert.Equal(t, want, msgs[i].Text)
		assert.True(t, msgs[i].CreatedAt.Equal(frozen))
	}
}

func TestAppendNeverMovesTimeBackwards(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	conv, err := svc.CreateConversation(ctx)
	require.NoError(t, err)

	svc.now = func() time.Time { return base }
	_, err = svc.AppendMessage(ctx, conv.ID, models.SenderUser, "hello")
	require.NoError(t, err)

	// clock skew: the next write sees an earlier wall clock
	svc.now = func() time.Time { return base.Add(-time.Minute) }
	reply, err := svc.AppendMessage(ctx, conv.ID, models.SenderAI, "hi")
	require.NoError(t, err)
	assert.False(t, reply.CreatedAt.Before(base))

	turns, err := svc.ReadOrdered(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.SenderUser, turns[0].Sender)
	assert.Equal(t, models.SenderAI, turns[1].Sender)
}

func TestAppendToUnknownConversation(t *testing.T) {
	svc := NewService(openTestDB(t))

	_, err := svc.AppendMessage(context.Background(), "does-not-exist", models.SenderUser, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConversationNotFound), "unexpected error %v", err)

	var refErr *ReferentialError
	require.True(t, errors.As(err, &refErr))
	assert.Equal(t, "does-not-exist", refErr.ConversationID)
	assert.False(t, errors.Is(err, ErrStorage))
}

func TestAppendRejectsInvalidMessages(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx)
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, conv.ID, models.Sender("system"), "hello")
	assert.True(t, errors.Is(err, ErrInvalidMessage))

	_, err = svc.AppendMessage(ctx, conv.ID, models.SenderUser, " \n\t ")
	assert.True(t, errors.Is(err, ErrInvalidMessage))

	turns, err := svc.ReadOrdered(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestReadOrderedEmptyConversation(t *testing.T) {
	svc := NewService(openTestDB(t))
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx)
	require.NoError(t, err)

	turns, err := svc.ReadOrdered(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, turns)
	assert.Len(t, turns, 0)

	turns, err = svc.ReadOrdered(ctx, "never-created")
	require.NoError(t, err)
	assert.NotNil(t, turns)
}

func TestStorageFailureIsClassified(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Close())

	_, err = svc.AppendMessage(ctx, conv.ID, models.SenderUser, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage), "unexpected error %v", err)

	_, err = svc.ReadOrdered(ctx, conv.ID)
	assert.True(t, errors.Is(err, ErrStorage))
}

func TestDeletingConversationCascades(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx)
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, conv.ID, models.SenderUser, "hello")
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM conversations WHERE id = ?`, conv.ID)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conv.ID))
	assert.Zero(t, count)
}
