package app

import (
	"context"

	"github.com/aminovpavel/meshtopo/internal/cache"
	"github.com/aminovpavel/meshtopo/internal/config"
)

// BuildCache returns the process cache selected by cache_backend.
func BuildCache(ctx context.Context, cfg *config.App) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		return cache.NewRedis(ctx, cache.RedisConfig{
			Address:    cfg.RedisAddress,
			Username:   cfg.RedisUsername,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			KeyPrefix:  cfg.RedisKeyPrefix,
			TLSEnabled: cfg.RedisTLS,
			DefaultTTL: cfg.CacheTTL(),
		})
	case config.CacheNone:
		return cache.Noop{}, nil
	default:
		return cache.NewMemory(cache.WithDefaultTTL(cfg.CacheTTL()), cache.WithJanitor()), nil
	}
}
