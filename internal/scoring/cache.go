package scoring

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"teamboard/internal/domain"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 1024
)

// resultCache memoizes results per task revision.
type resultCache struct {
	lru *expirable.LRU[string, Result]
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &resultCache{lru: expirable.NewLRU[string, Result](size, nil, ttl)}
}

func cacheKey(t domain.Task) string {
	return t.ID + "|" + t.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

func (c *resultCache) get(t domain.Task) (Result, bool) {
	return c.lru.Get(cacheKey(t))
}

func (c *resultCache) add(t domain.Task, r Result) {
	c.lru.Add(cacheKey(t), r)
}

func (c *resultCache) purge() {
	c.lru.Purge()
}
