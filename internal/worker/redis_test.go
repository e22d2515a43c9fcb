package worker

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/config"
	"supportchat/internal/models"
	"supportchat/internal/redis"
)

func TestConversationLockExcludesSecondHolder(t *testing.T) {
	client := newTestRedis(t)
	lock := newConversationLock(client, time.Second)
	ctx := context.Background()

	release, err := lock.acquire(ctx, "conv-1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = lock.acquire(waitCtx, "conv-1")
	assert.ErrorIs(t, err, ErrConversationBusy)

	// other conversations are unaffected
	releaseOther, err := lock.acquire(ctx, "conv-2")
	require.NoError(t, err)
	releaseOther()

	release()
	again, err := lock.acquire(ctx, "conv-1")
	require.NoError(t, err)
	again()
}

func TestConversationLockReleaseKeepsForeignToken(t *testing.T) {
	client := newTestRedis(t)
	lock := newConversationLock(client, 50*time.Millisecond)
	ctx := context.Background()

	release, err := lock.acquire(ctx, "conv-1")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	// the ttl expired and someone else took the lock
	require.NoError(t, client.Set(ctx, redis.Key("lock", "conv-1"), "other", time.Minute))
	release()

	got, err := client.Get(ctx, redis.Key("lock", "conv-1"))
	require.NoError(t, err)
	assert.Equal(t, "other", got)
}

func TestTranscriptCacheStoreLoadDrop(t *testing.T) {
	client := newTestRedis(t)
	cache := newTranscriptCache(client, time.Minute)
	ctx := context.Background()

	_, ok := cache.load(ctx, "conv-1")
	assert.False(t, ok)

	turns := []models.Turn{
		{Sender: models.SenderUser, Text: "hello"},
		{Sender: models.SenderAI, Text: "hi"},
	}
	cache.store(ctx, "conv-1", turns)
	got, ok := cache.load(ctx, "conv-1")
	require.True(t, ok)
	assert.Equal(t, turns, got)

	cache.drop(ctx, "conv-1")
	_, ok = cache.load(ctx, "conv-1")
	assert.False(t, ok)
}

func TestManagerWithRedisCachesTranscript(t *testing.T) {
	client := newTestRedis(t)
	store := newTestStore(t)
	m := NewManager(store, &fakeGenerator{}, Config{LockTTL: time.Second}, WithRedis(client))
	t.Cleanup(m.Close)
	ctx := context.Background()

	res, err := m.HandleTurn(ctx, TurnRequest{Text: "hello"})
	require.NoError(t, err)

	cached, ok := m.CachedTranscript(ctx, res.ConversationID)
	require.True(t, ok)
	assert.Equal(t, res.Transcript, cached)

	_, err = client.Get(ctx, redis.Key("lock", res.ConversationID))
	assert.ErrorIs(t, err, redis.ErrCacheMiss, "lock released after the turn")
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed worker tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw := goredis.NewClient(&goredis.Options{Addr: addr, DB: db})
	require.NoError(t, raw.FlushDB(ctx).Err())
	raw.Close()

	client, err := redis.NewRedisClient(ctx, config.RedisConfig{Host: host, Port: port, DB: db})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}
