package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"multichatgo/internal/models"
	rediscache "multichatgo/internal/redis"
)

const (
	historyKeyFmt     = "engine:history:%d"
	rosterKeyFmt      = "engine:roster:%d"
	invalidateChannel = "engine:invalidate"
	cacheTTL          = 10 * time.Minute
)

// cachedStore layers a redis read-through cache over the sql store for the
// hot per-room reads. Every write through it drops the affected keys, and
// cross-process invalidation arrives over the pub/sub channel.
type cachedStore struct {
	Store
	cache *rediscache.Client
}

// NewCachedStore wraps store with the redis cache. A nil client returns the
// store unchanged.
func NewCachedStore(store Store, cache *rediscache.Client) Store {
	if cache == nil {
		return store
	}
	return &cachedStore{Store: store, cache: cache}
}

func (c *cachedStore) ListMessages(ctx context.Context, roomID int64) ([]*models.Message, error) {
	key := fmt.Sprintf(historyKeyFmt, roomID)
	if raw, err := c.cache.Get(ctx, key); err == nil {
		var msgs []*models.Message
		if jerr := json.Unmarshal([]byte(raw), &msgs); jerr == nil {
			return msgs, nil
		}
	} else if err != rediscache.ErrCacheMiss {
		debugLog("history cache read for chatroom %d: %v", roomID, err)
	}

	msgs, err := c.Store.ListMessages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if raw, jerr := json.Marshal(msgs); jerr == nil {
		if serr := c.cache.Set(ctx, key, string(raw), cacheTTL); serr != nil {
			debugLog("history cache write for chatroom %d: %v", roomID, serr)
		}
	}
	return msgs, nil
}

func (c *cachedStore) ListParticipants(ctx context.Context, roomID int64) ([]*models.Participant, error) {
	key := fmt.Sprintf(rosterKeyFmt, roomID)
	if raw, err := c.cache.Get(ctx, key); err == nil {
		var roster []*models.Participant
		if jerr := json.Unmarshal([]byte(raw), &roster); jerr == nil {
			return roster, nil
		}
	} else if err != rediscache.ErrCacheMiss {
		debugLog("roster cache read for chatroom %d: %v", roomID, err)
	}

	roster, err := c.Store.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if raw, jerr := json.Marshal(roster); jerr == nil {
		if serr := c.cache.Set(ctx, key, string(raw), cacheTTL); serr != nil {
			debugLog("roster cache write for chatroom %d: %v", roomID, serr)
		}
	}
	return roster, nil
}

func (c *cachedStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	out, err := c.Store.AppendMessage(ctx, msg)
	if err == nil {
		c.dropHistory(ctx, msg.ChatroomID)
	}
	return out, err
}

func (c *cachedStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	err := c.Store.UpdateMessage(ctx, msg)
	if err == nil {
		c.dropHistory(ctx, msg.ChatroomID)
	}
	return err
}

func (c *cachedStore) dropHistory(ctx context.Context, roomID int64) {
	if err := c.cache.Del(ctx, fmt.Sprintf(historyKeyFmt, roomID)); err != nil {
		debugLog("history cache drop for chatroom %d: %v", roomID, err)
	}
}

// publishInvalidation drops both keys and tells every process about the
// change. Used when the roster or log changed outside the engine.
func publishInvalidation(ctx context.Context, cache *rediscache.Client, roomID int64) {
	if cache == nil {
		return
	}
	keys := []string{
		fmt.Sprintf(historyKeyFmt, roomID),
		fmt.Sprintf(rosterKeyFmt, roomID),
	}
	if err := cache.Del(ctx, keys...); err != nil {
		log.Printf("drop cache for chatroom %d: %v", roomID, err)
	}
	if err := cache.Publish(ctx, invalidateChannel, strconv.FormatInt(roomID, 10)); err != nil {
		log.Printf("publish invalidation for chatroom %d: %v", roomID, err)
	}
}
