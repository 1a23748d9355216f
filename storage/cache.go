package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"flowboard/domain"
)

type backend interface {
	Load(ctx context.Context, boardID string) ([]domain.Task, error)
	Commit(ctx context.Context, boardID string, updates []domain.Update) error
}

// Cache wraps a Store with Redis-backed caching for board loads. Commits pass
// through and evict, so the next load is authoritative.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Load(ctx context.Context, boardID string) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, boardID); ok {
		return tasks, nil
	}

	tasks, err := c.base.Load(ctx, boardID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, boardID, tasks)
	return tasks, nil
}

func (c *Cache) Commit(ctx context.Context, boardID string, updates []domain.Update) error {
	if err := c.base.Commit(ctx, boardID, updates); err != nil {
		return err
	}

	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context, boardID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, boardID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(boardID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}
