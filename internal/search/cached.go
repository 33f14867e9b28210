package search

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/listening-party-system/pkg/models"
)

type Cache interface {
	Get(ctx context.Context, provider, query string, v interface{}) (bool, error)
	Set(ctx context.Context, provider, query string, v interface{}) error
}

// CachedProvider serves repeated queries from the cache. Cache failures fall
// through to the wrapped provider.
type CachedProvider struct {
	provider Provider
	cache    Cache
}

func NewCachedProvider(provider Provider, cache Cache) *CachedProvider {
	return &CachedProvider{provider: provider, cache: cache}
}

func (c *CachedProvider) Name() string { return c.provider.Name() }

func (c *CachedProvider) Search(ctx context.Context, query string) ([]models.Track, error) {
	var tracks []models.Track
	hit, err := c.cache.Get(ctx, c.provider.Name(), query, &tracks)
	if err != nil {
		log.Warn().Err(err).Str("module", "search.cache").Msg("failed to read cache")
	}
	if hit {
		return tracks, nil
	}

	tracks, err = c.provider.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, c.provider.Name(), query, tracks); err != nil {
		log.Warn().Err(err).Str("module", "search.cache").Msg("failed to write cache")
	}
	return tracks, nil
}
