package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const searchKeyPrefix = "search:"

// SearchCache memoizes provider search responses by normalized query.
type SearchCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSearchCache(client *redis.Client, ttl time.Duration) *SearchCache {
	return &SearchCache{client: client, ttl: ttl}
}

func searchKey(provider, query string) string {
	return searchKeyPrefix + provider + ":" + strings.ToLower(strings.TrimSpace(query))
}

// Get decodes a cached response into v. It reports false on a cache miss.
func (c *SearchCache) Get(ctx context.Context, provider, query string, v interface{}) (bool, error) {
	raw, err := c.client.Get(ctx, searchKey(provider, query)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get cached search: %w", err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached search: %w", err)
	}
	return true, nil
}

func (c *SearchCache) Set(ctx context.Context, provider, query string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal search: %w", err)
	}
	if err := c.client.Set(ctx, searchKey(provider, query), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache search: %w", err)
	}
	return nil
}
