package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBWLimiter(t *testing.T) {
	t.Parallel()

	t.Run("burst capped to rate when rate < 1MB", func(t *testing.T) {
		t.Parallel()
		lim := NewBWLimiter(1024)
		assert.Equal(t, 1024, lim.Burst())
	})

	t.Run("burst is 1MB when rate >= 1MB", func(t *testing.T) {
		t.Parallel()
		lim := NewBWLimiter(10 * 1024 * 1024)
		assert.Equal(t, 1<<20, lim.Burst())
	})
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	t.Run("nil limiter never waits", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, throttle(context.Background(), nil, 1<<30))
	})

	t.Run("admits blocks larger than the burst", func(t *testing.T) {
		t.Parallel()
		lim := NewBWLimiter(1 << 20)
		// 1.5 MB at 1 MB/s: the burst covers the first MB, the rest waits.
		start := time.Now()
		require.NoError(t, throttle(context.Background(), lim, 3<<19))
		assert.Greater(t, time.Since(start), 300*time.Millisecond)
	})

	t.Run("enforces rate limit", func(t *testing.T) {
		t.Parallel()
		// 10 KB at 5 KB/s should take ~1s after the burst.
		lim := NewBWLimiter(5 * 1024)
		start := time.Now()
		for range 10 {
			require.NoError(t, throttle(context.Background(), lim, 1024))
		}
		assert.Greater(t, time.Since(start), 500*time.Millisecond,
			"rate limiter should slow transfers to ~5KB/s")
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		t.Parallel()
		lim := NewBWLimiter(1024) // 1 KB/s, very slow
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.Error(t, throttle(ctx, lim, 64*1024))
	})
}
