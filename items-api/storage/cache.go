package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"workstream/items-api/domain"
)

const listGenerationKey = "items:gen"

// Cache wraps a Store with Redis-backed caching for item and list reads.
// Writes go to the backing store first, then evict the item key and bump
// the list generation so every cached list becomes unreachable.
type Cache struct {
	base  domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	var cached domain.Item
	if c.load(ctx, itemCacheKey(id), &cached) {
		return &cached, nil
	}
	gen, ok := c.generation(ctx)
	it, err := c.base.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		c.storeIfCurrent(ctx, itemCacheKey(id), it, gen)
	}
	return it, nil
}

func (c *Cache) ListItems(ctx context.Context, filter domain.ListFilter) ([]domain.Item, error) {
	gen, ok := c.generation(ctx)
	key := listCacheKey(gen, filter)
	if ok {
		var cached []domain.Item
		if c.load(ctx, key, &cached) {
			return cached, nil
		}
	}
	items, err := c.base.ListItems(ctx, filter)
	if err != nil {
		return nil, err
	}
	if ok {
		c.store(ctx, key, items)
	}
	return items, nil
}

func (c *Cache) AddItem(ctx context.Context, rec domain.NewItemRecord) (*domain.Item, error) {
	it, err := c.base.AddItem(ctx, rec)
	if err != nil {
		return nil, err
	}
	c.evict(ctx, it.ID)
	return it, nil
}

func (c *Cache) UpdateItem(ctx context.Context, id string, patch domain.ItemPatch) (*domain.Item, error) {
	it, err := c.base.UpdateItem(ctx, id, patch)
	c.evict(ctx, id)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (c *Cache) DeleteItem(ctx context.Context, id string) error {
	err := c.base.DeleteItem(ctx, id)
	c.evict(ctx, id)
	return err
}

// Counts and sibling lookups feed write paths and always hit the backing store.

func (c *Cache) CountItemsWithParent(ctx context.Context, parentID string) (int, error) {
	return c.base.CountItemsWithParent(ctx, parentID)
}

func (c *Cache) FindFirstByPriorityAsc(ctx context.Context, parentID *string) (*domain.Item, error) {
	return c.base.FindFirstByPriorityAsc(ctx, parentID)
}

func (c *Cache) FindLastByPriorityDesc(ctx context.Context, parentID *string) (*domain.Item, error) {
	return c.base.FindLastByPriorityDesc(ctx, parentID)
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.ConfigStd.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

// storeIfCurrent caches v only while the list generation still equals gen.
// Every write bumps the generation, so a copy read before a concurrent
// write is dropped instead of outliving the eviction.
func (c *Cache) storeIfCurrent(ctx context.Context, key string, v any, gen int64) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, listGenerationKey).Int64()
		if err == redis.Nil {
			cur, err = 0, nil
		}
		if err != nil || cur != gen {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, listGenerationKey)
}

func (c *Cache) generation(ctx context.Context) (int64, bool) {
	if c.redis == nil {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, listGenerationKey).Int64()
	if err == redis.Nil {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	return gen, true
}

func (c *Cache) evict(ctx context.Context, id string) {
	if c.redis == nil {
		return
	}
	_ = Invalidate(ctx, c.redis, id)
}

// Invalidate drops the cached copies of ids and makes every cached list
// unreachable. Writers that bypass a Cache use it to keep readers coherent.
func Invalidate(ctx context.Context, client *redis.Client, ids ...string) error {
	pipe := client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, itemCacheKey(id))
	}
	pipe.Incr(ctx, listGenerationKey)
	_, err := pipe.Exec(ctx)
	return err
}

func itemCacheKey(id string) string {
	return "item:" + id
}

func listCacheKey(gen int64, filter domain.ListFilter) string {
	return "items:" + strconv.FormatInt(gen, 10) + ":" + filter.Key()
}
