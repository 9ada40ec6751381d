// Package ratelimit paces registry requests per acting user and entity
// endpoint. This is a pacing control, not an admission control: callers
// block until budget is available or their context is cancelled.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ehealth-sync/internal/types"
)

// Redis key prefix for the shared per-minute windows.
const keyPrefix = "sync:rl:"

// Limiter combines in-process token buckets with a Redis fixed-window
// counter so the per-user budget holds across worker processes. Each
// (user, entity) pair gets its own bucket; budgets are per entity type.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	redis redis.Cmdable // optional; nil disables the shared window

	defaultPerMinute int
	perEntity        map[types.EntityType]int
	burst            int
}

// Config holds limiter configuration.
type Config struct {
	// Redis enables the shared cross-process window when set.
	Redis redis.Cmdable

	// DefaultPerMinute is the request budget for entities without an
	// explicit override.
	DefaultPerMinute int

	// PerEntity overrides the budget for specific entity types.
	PerEntity map[types.EntityType]int

	// Burst is the token-bucket burst size. Default: 5.
	Burst int
}

// NewLimiter creates a limiter from the given configuration.
func NewLimiter(cfg *Config) (*Limiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.DefaultPerMinute <= 0 {
		return nil, fmt.Errorf("default budget must be positive, got %d", cfg.DefaultPerMinute)
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	return &Limiter{
		limiters:         make(map[string]*rate.Limiter),
		redis:            cfg.Redis,
		defaultPerMinute: cfg.DefaultPerMinute,
		perEntity:        cfg.PerEntity,
		burst:            burst,
	}, nil
}

// BudgetFor returns the per-minute budget for an entity type.
func (l *Limiter) BudgetFor(entity types.EntityType) int {
	if budget, ok := l.perEntity[entity]; ok && budget > 0 {
		return budget
	}
	return l.defaultPerMinute
}

// bucketKey is the "{entity}-get" limiter name keyed by acting user id.
func bucketKey(userID string, entity types.EntityType) string {
	return fmt.Sprintf("%s-get:%s", entity, userID)
}

func (l *Limiter) getLimiter(userID string, entity types.EntityType) *rate.Limiter {
	key := bucketKey(userID, entity)

	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := l.limiters[key]; exists {
		return limiter
	}

	perSecond := rate.Limit(float64(l.BudgetFor(entity)) / 60.0)
	limiter = rate.NewLimiter(perSecond, l.burst)
	l.limiters[key] = limiter
	return limiter
}

// Wait blocks until the caller may issue one registry request for the given
// user and entity, or until the context is cancelled.
func (l *Limiter) Wait(ctx context.Context, userID string, entity types.EntityType) error {
	if err := l.getLimiter(userID, entity).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	if l.redis == nil {
		return nil
	}

	// Shared fixed window: one counter per (user, entity, minute). If the
	// window is full, sleep until it rolls over.
	budget := int64(l.BudgetFor(entity))
	for {
		now := time.Now()
		window := now.Truncate(time.Minute)
		key := fmt.Sprintf("%s%s:%s:%d", keyPrefix, entity, userID, window.Unix())

		count, err := l.redis.Incr(ctx, key).Result()
		if err != nil {
			// Redis being down must not stall sync work; the local
			// bucket still paces this process.
			return nil
		}
		if count == 1 {
			l.redis.Expire(ctx, key, 2*time.Minute)
		}
		if count <= budget {
			return nil
		}

		wait := window.Add(time.Minute).Sub(now)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
		}
	}
}
