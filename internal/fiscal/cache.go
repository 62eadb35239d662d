package fiscal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache stores year summaries in Redis. The store remains the source of truth.
// Entries are keyed by a per-year generation that every mutation bumps, so a
// fill computed from a pre-mutation read lands under a generation nobody reads.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the summary cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func generationKey(key YearKey) string {
	return fmt.Sprintf("fiscal:summary:%s:%d:gen", key.TenantID, key.Year)
}

func summaryKey(key YearKey, gen int64) string {
	return fmt.Sprintf("fiscal:summary:%s:%d:v%d", key.TenantID, key.Year, gen)
}

// Fetch loads a cached summary or populates it using the loader. The
// generation is read before the loader runs.
func (c *Cache) Fetch(ctx context.Context, key YearKey, loader func(context.Context) (YearSummary, error)) (YearSummary, error) {
	if loader == nil {
		return YearSummary{}, errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	gen, err := c.client.Get(ctx, generationKey(key)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}
	cacheKey := summaryKey(key, gen)
	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var summary YearSummary
		if jsonErr := json.Unmarshal(raw, &summary); jsonErr == nil {
			return summary, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}
	v, err, _ := c.group.Do(cacheKey, func() (any, error) {
		summary, err := loader(ctx)
		if err != nil {
			return YearSummary{}, err
		}
		if body, err := json.Marshal(summary); err == nil {
			_ = c.client.Set(ctx, cacheKey, body, c.ttl).Err()
		}
		return summary, nil
	})
	if err != nil {
		return YearSummary{}, err
	}
	return v.(YearSummary), nil
}

// Invalidate retires every cached summary of the year by bumping its generation.
func (c *Cache) Invalidate(ctx context.Context, key YearKey) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, generationKey(key)).Err()
}
