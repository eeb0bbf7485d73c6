package storage

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCache rate-limits backend pings for health endpoints. A result is
// reused for ttl, and concurrent checks after expiry share one ping.
type HealthCache struct {
	target Pinger
	ttl    time.Duration

	group     singleflight.Group
	checkedAt atomic.Int64 // unix nanos
	lastErr   atomic.Pointer[error]
}

// NewHealthCache wraps target.
func NewHealthCache(target Pinger, ttl time.Duration) *HealthCache {
	return &HealthCache{target: target, ttl: ttl}
}

// Check returns the cached ping result, refreshing it when stale.
func (c *HealthCache) Check(context.Context) error {
	if c.fresh() {
		return c.load()
	}

	// The ping runs on its own context: singleflight hands the first
	// caller's result to every waiter, so one cancelled caller must not
	// fail the rest.
	result, _, _ := c.group.Do("ping", func() (any, error) {
		if c.fresh() {
			return c.load(), nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := c.target.Ping(ctx)
		c.lastErr.Store(&err)
		c.checkedAt.Store(time.Now().UnixNano())
		return err, nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (c *HealthCache) fresh() bool {
	at := c.checkedAt.Load()
	return at != 0 && time.Since(time.Unix(0, at)) < c.ttl
}

func (c *HealthCache) load() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}
