package redisquota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scraperdev/gateway/internal/gateway"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestKeeper(t *testing.T) (*Keeper, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := &fakeClock{now: time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)}
	// Align miniredis's clock with ours so TTL math is deterministic.
	srv.SetTime(clk.Now())
	return New(client, clk), srv, clk
}

func TestCheckAndConsumeCountsUp(t *testing.T) {
	t.Parallel()
	k, _, _ := newTestKeeper(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := k.CheckAndConsume(ctx, "user-1", 3)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Used)
		assert.Equal(t, 3-i, d.Remaining)
	}

	d, err := k.CheckAndConsume(ctx, "user-1", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Used)
	assert.Equal(t, 0, d.Remaining)
}

func TestCheckAndConsumeConcurrent(t *testing.T) {
	t.Parallel()
	k, _, _ := newTestKeeper(t)
	const (
		limit   = 5
		callers = 20
	)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := k.CheckAndConsume(context.Background(), "user-1", limit)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, allowed)
}

func TestKeyCarriesUTCDay(t *testing.T) {
	t.Parallel()
	k, srv, clk := newTestKeeper(t)
	ctx := context.Background()

	_, err := k.CheckAndConsume(ctx, "user-1", 10)
	require.NoError(t, err)
	require.True(t, srv.Exists("quota:user-1:2026-08-28"))

	ttl := srv.TTL("quota:user-1:2026-08-28")
	assert.Equal(t, 15*time.Hour, ttl, "counter expires at the next UTC midnight")

	// The next day consumes from a fresh key; yesterday's counter is ignored.
	clk.Set(clk.Now().Add(24 * time.Hour))
	d, err := k.CheckAndConsume(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Used)
	require.True(t, srv.Exists("quota:user-1:2026-08-29"))
}

func TestDistinctPrincipalsIsolated(t *testing.T) {
	t.Parallel()
	k, _, _ := newTestKeeper(t)
	ctx := context.Background()

	d, err := k.CheckAndConsume(ctx, "user-1", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = k.CheckAndConsume(ctx, "user-1", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = k.CheckAndConsume(ctx, "user-2", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "one principal's exhaustion must not leak to another")
}

func TestQuotaInfoReadsWithoutConsuming(t *testing.T) {
	t.Parallel()
	k, _, _ := newTestKeeper(t)
	ctx := context.Background()

	d, err := k.QuotaInfo(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Used)

	_, err = k.CheckAndConsume(ctx, "user-1", 10)
	require.NoError(t, err)

	d, err = k.QuotaInfo(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Used)
	assert.Equal(t, gateway.NextUTCMidnight(time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)), d.ResetAt)
}

func TestDeniedDoesNotIncrement(t *testing.T) {
	t.Parallel()
	k, srv, _ := newTestKeeper(t)
	ctx := context.Background()

	_, err := k.CheckAndConsume(ctx, "user-1", 1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		d, err := k.CheckAndConsume(ctx, "user-1", 1)
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}
	got, err := srv.Get("quota:user-1:2026-08-28")
	require.NoError(t, err)
	assert.Equal(t, "1", got, "denied calls must not inflate the counter")
}
