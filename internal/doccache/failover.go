package doccache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RecoveryInterval is how long the primary stays bypassed after a failure.
const RecoveryInterval = time.Minute

// FailoverCache serves from the primary and switches to the fallback when it fails.
type FailoverCache struct {
	primary  Cache
	fallback Cache
	logger   zerolog.Logger
	now      func() time.Time

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverCache(primary, fallback Cache, logger *zerolog.Logger) *FailoverCache {
	c := &FailoverCache{
		primary:  primary,
		fallback: fallback,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	if logger != nil {
		c.logger = logger.With().Str("component", "doc_cache").Logger()
	}
	return c
}

// Degraded reports whether the fallback is serving.
func (c *FailoverCache) Degraded() bool {
	return c.isDown.Load()
}

// usePrimary reports whether the primary should be tried, allowing one probe once
// the recovery interval elapsed.
func (c *FailoverCache) usePrimary() bool {
	if !c.isDown.Load() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Sub(c.lastCheck) > RecoveryInterval {
		c.lastCheck = c.now()
		return true
	}
	return false
}

func (c *FailoverCache) primaryFailed(err error) {
	if !c.isDown.Swap(true) {
		c.logger.Error().Err(err).Msg("Primary cache failed, falling back to memory")
	}
	c.mu.Lock()
	c.lastCheck = c.now()
	c.mu.Unlock()
}

func (c *FailoverCache) primaryOK() {
	if c.isDown.Swap(false) {
		c.logger.Info().Msg("Primary cache recovered")
	}
}

func (c *FailoverCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.usePrimary() {
		val, err := c.primary.Get(ctx, key)
		if err == nil || errors.Is(err, ErrMiss) {
			c.primaryOK()
			return val, err
		}
		c.primaryFailed(err)
	}
	return c.fallback.Get(ctx, key)
}

func (c *FailoverCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.usePrimary() {
		err := c.primary.Set(ctx, key, value, ttl)
		if err == nil {
			c.primaryOK()
			return nil
		}
		c.primaryFailed(err)
	}
	return c.fallback.Set(ctx, key, value, ttl)
}

// DeletePrefix always clears the fallback too, so entries written there during an
// outage cannot outlive the invalidation.
func (c *FailoverCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	if c.usePrimary() {
		n, err := c.primary.DeletePrefix(ctx, prefix)
		if err == nil {
			c.primaryOK()
			deleted += n
		} else {
			c.primaryFailed(err)
		}
	}
	n, err := c.fallback.DeletePrefix(ctx, prefix)
	return deleted + n, err
}
