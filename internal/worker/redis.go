package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"supportchat/internal/logging"
	"supportchat/internal/models"
	"supportchat/internal/redis"
)

const (
	defaultLockTTL   = 2 * time.Minute
	defaultCacheTTL  = 30 * time.Minute
	lockPollInterval = 50 * time.Millisecond
	releaseTimeout   = 3 * time.Second
)

// conversationLock keeps one instance at a time inside a conversation's turn sequence.
type conversationLock struct {
	client *redis.Client
	ttl    time.Duration
}

func newConversationLock(client *redis.Client, ttl time.Duration) *conversationLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &conversationLock{client: client, ttl: ttl}
}

// acquire polls until the lock is held or ctx ends. The returned func releases it.
func (l *conversationLock) acquire(ctx context.Context, conversationID string) (func(), error) {
	key := redis.Key("lock", conversationID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ErrConversationBusy, ctx.Err().Error())
			}
			return nil, errors.Wrap(err, "acquire conversation lock")
		}
		if ok {
			return func() { l.release(ctx, key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrConversationBusy, "conversation %s", conversationID)
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *conversationLock) release(ctx context.Context, key, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	released, err := l.client.DelIfValue(releaseCtx, key, token)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("key", key).Msg("release conversation lock failed")
		return
	}
	if !released {
		// the ttl expired mid-turn and another holder may have entered
		logging.FromContext(ctx).Warn().Str("key", key).Msg("conversation lock expired before release")
	}
}

// transcriptCache holds the last transcript written by a completed turn.
type transcriptCache struct {
	client *redis.Client
	ttl    time.Duration
}

func newTranscriptCache(client *redis.Client, ttl time.Duration) *transcriptCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &transcriptCache{client: client, ttl: ttl}
}

func (c *transcriptCache) load(ctx context.Context, conversationID string) ([]models.Turn, bool) {
	raw, err := c.client.Get(ctx, redis.Key("transcript", conversationID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			logging.FromContext(ctx).Warn().Err(err).Str("conversation_id", conversationID).Msg("load cached transcript failed")
		}
		return nil, false
	}
	var turns []models.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("conversation_id", conversationID).Msg("decode cached transcript failed")
		return nil, false
	}
	if turns == nil {
		turns = make([]models.Turn, 0)
	}
	return turns, true
}

func (c *transcriptCache) store(ctx context.Context, conversationID string, turns []models.Turn) {
	data, err := json.Marshal(turns)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("encode transcript failed")
		return
	}
	if err := c.client.Set(ctx, redis.Key("transcript", conversationID), data, c.ttl); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("conversation_id", conversationID).Msg("cache transcript failed")
	}
}

func (c *transcriptCache) drop(ctx context.Context, conversationID string) {
	if err := c.client.Del(ctx, redis.Key("transcript", conversationID)); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("conversation_id", conversationID).Msg("invalidate cached transcript failed")
	}
}
