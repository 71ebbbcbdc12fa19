package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scraperdev/gateway/internal/gateway"
)

// These tests exercise everything in front of Chrome: admission, slot
// accounting and the disabled driver. Rendering itself needs a real browser
// and is covered by integration runs.

func newTestDriver(t *testing.T, sessions int, wait time.Duration) *Driver {
	t.Helper()
	d, err := New(Config{MaxSessions: sessions, AcquireTimeout: wait}, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestFetchRevalidatesTarget(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, 1, time.Second)

	_, err := d.Fetch(context.Background(), gateway.FetchTarget{URL: "http://169.254.169.254/"})
	require.Error(t, err)
	assert.Equal(t, gateway.CodeBlocked, gateway.CodeOf(err))

	_, err = d.Screenshot(context.Background(), gateway.FetchTarget{URL: "http://10.0.0.1/"})
	require.Error(t, err)
	assert.Equal(t, gateway.CodeBlocked, gateway.CodeOf(err))
}

func TestAcquireFailsFastWhenSaturated(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, 1, 50*time.Millisecond)

	// Occupy the only slot.
	release, err := d.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = d.acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, gateway.CodeBrowserUnavailable, gateway.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireReleaseCycle(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, 2, 50*time.Millisecond)

	r1, err := d.acquire(context.Background())
	require.NoError(t, err)
	r2, err := d.acquire(context.Background())
	require.NoError(t, err)

	_, err = d.acquire(context.Background())
	require.Error(t, err)

	r1()
	r3, err := d.acquire(context.Background())
	require.NoError(t, err)
	r3()
	r2()
}

func TestAcquireHonorsCallerCancellation(t *testing.T) {
	t.Parallel()
	d := newTestDriver(t, 1, 10*time.Second)

	release, err := d.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, gateway.CodeBrowserUnavailable, gateway.CodeOf(err))
}

func TestNoopDriver(t *testing.T) {
	t.Parallel()
	n := NewNoop()

	_, err := n.Fetch(context.Background(), gateway.FetchTarget{URL: "https://example.com"})
	require.Error(t, err)
	assert.Equal(t, gateway.CodeBrowserUnavailable, gateway.CodeOf(err))

	_, err = n.Screenshot(context.Background(), gateway.FetchTarget{URL: "https://example.com"})
	require.Error(t, err)
	assert.Equal(t, gateway.CodeBrowserUnavailable, gateway.CodeOf(err))
}

func TestForwardCancelStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{})
	stop := forwardCancel(ctx, func() { close(fired) })
	cancel()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("cancellation was not forwarded")
	}
	stop()
}
