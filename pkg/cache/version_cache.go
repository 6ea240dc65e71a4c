// Package cache keeps published model versions close to the engine.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/stateflow/pkg/models"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLocalTTL = 10 * time.Minute
	keyPrefix       = "stateflow:version:"
)

// VersionLoader reads a model version from the source of truth.
type VersionLoader interface {
	VersionByID(ctx context.Context, id string) (*models.ModelVersion, error)
}

// VersionCache is a read-through cache of published versions. A process-local
// go-cache sits in front of an optional shared redis layer.
// Returned versions are shared and must be treated as read-only.
type VersionCache struct {
	loader   VersionLoader
	logger   *slog.Logger
	local    *gocache.Cache
	redis    redis.UniversalClient
	redisTTL time.Duration

	// Bumped by Invalidate; a load that started under an older generation is not cached.
	mu          sync.Mutex
	generations map[string]uint64
}

type Option func(*VersionCache)

// WithRedis adds a shared second level backed by redis.
func WithRedis(client redis.UniversalClient, ttl time.Duration) Option {
	return func(c *VersionCache) {
		c.redis = client
		c.redisTTL = ttl
	}
}

// WithLocalTTL overrides how long versions stay in process memory.
func WithLocalTTL(ttl time.Duration) Option {
	return func(c *VersionCache) {
		c.local = gocache.New(ttl, 2*ttl)
	}
}

func NewVersionCache(loader VersionLoader, logger *slog.Logger, opts ...Option) *VersionCache {
	c := &VersionCache{
		loader: loader,
		logger: logger.With("module", "version_cache"),
		local:  gocache.New(defaultLocalTTL, 2*defaultLocalTTL),

		generations: make(map[string]uint64),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Version returns the version, loading it on a miss. Versions still being
// edited are never cached.
func (c *VersionCache) Version(ctx context.Context, id string) (*models.ModelVersion, error) {
	if cached, found := c.local.Get(id); found {
		if version, ok := cached.(*models.ModelVersion); ok {
			return version, nil
		}
	}

	generation := c.generation(id)

	if version := c.fromRedis(ctx, id); version != nil {
		c.storeLocal(id, version, generation)

		return version, nil
	}

	version, err := c.loader.VersionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if version.Published() && c.storeLocal(id, version, generation) {
		c.toRedis(ctx, version)

		// An invalidation that raced the redis write must not leave the copy behind.
		if c.generation(id) != generation {
			c.deleteRedis(ctx, id)
		}
	}

	return version, nil
}

// Invalidate drops the version from every level. Loads already in flight
// return their copy but do not cache it.
func (c *VersionCache) Invalidate(ctx context.Context, id string) {
	c.mu.Lock()
	c.generations[id]++
	c.local.Delete(id)
	c.mu.Unlock()

	c.deleteRedis(ctx, id)
}

func (c *VersionCache) generation(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generations[id]
}

// storeLocal caches version unless id was invalidated since generation was read.
func (c *VersionCache) storeLocal(id string, version *models.ModelVersion, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[id] != generation {
		return false
	}

	c.local.SetDefault(id, version)

	return true
}

func (c *VersionCache) deleteRedis(ctx context.Context, id string) {
	if c.redis == nil {
		return
	}

	err := c.redis.Del(ctx, keyPrefix+id).Err()
	if err != nil {
		c.logger.WarnContext(ctx, "failed to invalidate cached version", "version_id", id, "error", err)
	}
}

// Flush empties the local level.
func (c *VersionCache) Flush() {
	c.local.Flush()
}

func (c *VersionCache) fromRedis(ctx context.Context, id string) *models.ModelVersion {
	if c.redis == nil {
		return nil
	}

	data, err := c.redis.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "failed to read cached version", "version_id", id, "error", err)
		}

		return nil
	}

	var version models.ModelVersion

	err = json.Unmarshal(data, &version)
	if err != nil {
		c.logger.WarnContext(ctx, "discarding malformed cached version", "version_id", id, "error", err)

		return nil
	}

	return &version
}

func (c *VersionCache) toRedis(ctx context.Context, version *models.ModelVersion) {
	if c.redis == nil {
		return
	}

	data, err := json.Marshal(version)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to encode version for cache", "version_id", version.ID, "error", err)

		return
	}

	err = c.redis.Set(ctx, keyPrefix+version.ID, data, c.redisTTL).Err()
	if err != nil {
		c.logger.WarnContext(ctx, "failed to cache version", "version_id", version.ID, "error", err)
	}
}
