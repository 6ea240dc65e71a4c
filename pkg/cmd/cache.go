package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stateflow/pkg/cache"
	"github.com/redis/go-redis/v9"
)

const versionRedisTTL = time.Hour

// NewVersionCache builds the version cache. An empty redisURL keeps it process-local.
// The returned close func releases the redis client, if any.
func NewVersionCache(ctx context.Context, redisURL string, loader cache.VersionLoader, logger *slog.Logger) (*cache.VersionCache, func() error, error) {
	if redisURL == "" {
		return cache.NewVersionCache(loader, logger), func() error { return nil }, nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return cache.NewVersionCache(loader, logger, cache.WithRedis(client, versionRedisTTL)), client.Close, nil
}
