package recommend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
)

// Cache stores recommendations by key.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cached serves repeated snippets from a Cache before calling the wrapped
// Recommender. Cache failures never fail a recommendation.
type Cached struct {
	next   Recommender
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCached(next Recommender, cache Cache, ttl time.Duration, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.Named("recommend_cache"),
	}
}

// CacheKey is provider-scoped so switching providers does not serve stale text.
func CacheKey(provider, snippet string) string {
	sum := sha256.Sum256([]byte(snippet))
	return provider + ":" + hex.EncodeToString(sum[:])
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) Available() bool { return c.next.Available() }

func (c *Cached) Recommend(ctx context.Context, snippet string) (string, error) {
	key := CacheKey(c.next.Name(), snippet)

	if text, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("cache lookup failed", zap.Error(err))
	} else if ok {
		c.logger.Debug("cache hit", zap.String("key", key))
		return text, nil
	}

	text, err := c.next.Recommend(ctx, snippet)
	if err != nil {
		return "", err
	}

	if err := c.cache.Set(ctx, key, text, c.ttl); err != nil {
		c.logger.Warn("cache store failed", zap.Error(err))
	}

	return text, nil
}
