package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"accountflow/internal/exchange"
	"accountflow/internal/metrics"
)

const (
	defaultCapacity     = 10
	defaultRefillPerSec = 5.0
)

// Bucket is a per-exchange token bucket shared by every pooled session
// and stream dial to that exchange. It is a thin wrapper over
// rate.Limiter so token accounting and refill stay in one place.
type Bucket struct {
	exchange string
	capacity int
	limiter  *rate.Limiter
}

// NewBucket creates a bucket with the given capacity and refill rate in
// tokens per second. Non-positive arguments fall back to defaults.
func NewBucket(exchangeName string, capacity int, refillPerSec float64) *Bucket {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if refillPerSec <= 0 {
		refillPerSec = defaultRefillPerSec
	}
	return &Bucket{
		exchange: exchangeName,
		capacity: capacity,
		limiter:  rate.NewLimiter(rate.Limit(refillPerSec), capacity),
	}
}

// Acquire takes one token, blocking up to maxWait. When the deadline
// would be exceeded it returns ErrRateLimitExceeded without consuming a
// token. Cancellation of the parent context is reported as-is.
func (b *Bucket) Acquire(ctx context.Context, maxWait time.Duration) error {
	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	if err := b.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.IncrementRateLimitThrottled(b.exchange)
		return exchange.ErrRateLimitExceeded
	}
	return nil
}

// Tokens reports the currently available tokens clamped to [0, capacity].
func (b *Bucket) Tokens() float64 {
	t := b.limiter.Tokens()
	if t < 0 {
		return 0
	}
	if t > float64(b.capacity) {
		return float64(b.capacity)
	}
	return t
}

// Capacity returns the configured burst capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// Exchange returns the exchange this bucket throttles.
func (b *Bucket) Exchange() string {
	return b.exchange
}

// Registry hands out one bucket per exchange. Exchanges without an
// explicit configuration get a default bucket on first use.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// Configure installs a bucket for the exchange, replacing any default
// created earlier.
func (r *Registry) Configure(exchangeName string, capacity int, refillPerSec float64) {
	r.mu.Lock()
	r.buckets[exchangeName] = NewBucket(exchangeName, capacity, refillPerSec)
	r.mu.Unlock()
}

// Get returns the bucket for the exchange, creating a default one when
// none was configured.
func (r *Registry) Get(exchangeName string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[exchangeName]
	if !ok {
		b = NewBucket(exchangeName, defaultCapacity, defaultRefillPerSec)
		r.buckets[exchangeName] = b
	}
	return b
}
