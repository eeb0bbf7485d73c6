package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rate float64, burst int) (*MemoryLimiter, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return newMemoryLimiter(rate, burst, clock.now), clock
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiter_Burst(t *testing.T) {
	m, _ := newTestLimiter(1, 3)
	assert.Equal(t, 3, allowN(t, m, "k", 5))
}

func TestMemoryLimiter_Refill(t *testing.T) {
	m, clock := newTestLimiter(2, 2)
	assert.Equal(t, 2, allowN(t, m, "k", 3))

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 2))

	clock.advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "k", 5), "tokens cap at burst after long idle")
}

func TestMemoryLimiter_IndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(1, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 2))
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newTestLimiter(1, 50)
	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if ok, _ := m.Allow(context.Background(), "shared"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiter_EvictStale(t *testing.T) {
	m, clock := newTestLimiter(1, 1)
	allowN(t, m, "old", 1)
	clock.advance(staleThreshold + time.Minute)
	allowN(t, m, "fresh", 1)

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "old")
	assert.Contains(t, m.buckets, "fresh")
}

func TestMemoryLimiter_CloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
