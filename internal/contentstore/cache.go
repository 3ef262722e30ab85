package contentstore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Cache stores raw content responses in redis, keyed by locale+path, with
// a set per tag pointing at the keys it covers so a tag can be
// invalidated when the content changes. A nil Cache disables caching.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	log *zerolog.Logger
}

func NewCache(addr string, ttl time.Duration, log *zerolog.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &Cache{rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(lang, path string) string {
	return "content:" + lang + ":" + path
}

func tagKey(tag string) string {
	return "content-tag:" + tag
}

func (c *Cache) Get(ctx context.Context, lang, path string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	val, err := c.rdb.Get(ctx, cacheKey(lang, path)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Msg("content cache read failed")
		}
		return nil, false
	}
	return val, true
}

func (c *Cache) Set(ctx context.Context, lang, path string, body []byte, tags []string) {
	if c == nil {
		return
	}
	key := cacheKey(lang, path)
	if err := c.rdb.Set(ctx, key, body, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("content cache write failed")
		return
	}
	for _, t := range tags {
		if err := c.rdb.SAdd(ctx, tagKey(t), key).Err(); err != nil {
			c.log.Warn().Err(err).Msg("content cache tag write failed")
		}
	}
}

// Invalidate drops every cached entry covered by any of the tags.
func (c *Cache) Invalidate(ctx context.Context, tags ...string) {
	if c == nil {
		return
	}
	for _, t := range tags {
		keys, err := c.rdb.SMembers(ctx, tagKey(t)).Result()
		if err != nil {
			c.log.Warn().Err(err).Msg("content cache tag read failed")
			continue
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.log.Warn().Err(err).Msg("content cache invalidation failed")
			}
		}
		_ = c.rdb.Del(ctx, tagKey(t)).Err()
	}
}
