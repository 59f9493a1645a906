package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"accountflow/internal/exchange"
)

func TestAcquireWithinBurst(t *testing.T) {
	b := NewBucket("binance", 5, 1)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Acquire(context.Background(), 10*time.Millisecond))
	}
}

func TestAcquireExceedsMaxWait(t *testing.T) {
	b := NewBucket("binance", 1, 0.001)
	require.NoError(t, b.Acquire(context.Background(), 10*time.Millisecond))

	err := b.Acquire(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, exchange.ErrRateLimitExceeded)

	// The rejected call consumed nothing; the count is still near zero
	// and never negative.
	require.GreaterOrEqual(t, b.Tokens(), float64(0))
}

func TestAcquireParentCancellation(t *testing.T) {
	b := NewBucket("binance", 1, 0.001)
	require.NoError(t, b.Acquire(context.Background(), 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Acquire(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTokensBounds(t *testing.T) {
	b := NewBucket("okx", 3, 1000)
	require.LessOrEqual(t, b.Tokens(), float64(3))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(context.Background(), 10*time.Millisecond))
	}
	require.GreaterOrEqual(t, b.Tokens(), float64(0))

	// Refill never pushes the count past capacity.
	time.Sleep(20 * time.Millisecond)
	require.LessOrEqual(t, b.Tokens(), float64(3))
}

func TestDefaultsApplied(t *testing.T) {
	b := NewBucket("bybit", 0, -1)
	require.Equal(t, defaultCapacity, b.Capacity())
	require.Equal(t, "bybit", b.Exchange())
}

func TestRegistryConfigureAndDefault(t *testing.T) {
	r := NewRegistry()
	r.Configure("binance", 20, 10)

	require.Equal(t, 20, r.Get("binance").Capacity())
	require.Same(t, r.Get("binance"), r.Get("binance"))

	// Unconfigured exchanges get a default bucket on first use.
	d := r.Get("kraken")
	require.Equal(t, defaultCapacity, d.Capacity())
	require.Same(t, d, r.Get("kraken"))
}
