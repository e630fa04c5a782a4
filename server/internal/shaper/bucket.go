package shaper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/obsidianstack/pulse/server/internal/model"
)

// Decision is the result of one token request.
type Decision struct {
	Admitted bool
	// Wait estimates how long until cost tokens are available. Zero when
	// Admitted.
	Wait  time.Duration
	State model.RateLimitState
}

// Bucket holds one token bucket per destination. Implementations must make
// TryConsume atomic: concurrent callers never spend the same token twice.
type Bucket interface {
	// Configure creates destID's bucket full at rate, or updates the
	// capacity of an existing one. The current rate of an existing bucket
	// is kept.
	Configure(ctx context.Context, destID string, rate float64, capacity int, now time.Time) error
	TryConsume(ctx context.Context, destID string, cost int, now time.Time) (Decision, error)
	SetRate(ctx context.Context, destID string, rate float64, now time.Time) error
	State(ctx context.Context, destID string, now time.Time) (model.RateLimitState, error)
}

// waitFor returns the time needed to accumulate the missing tokens at r
// tokens per second, capped at limit.
func waitFor(cost, tokens, r float64, limit time.Duration) time.Duration {
	if tokens >= cost {
		return 0
	}
	if r <= 0 {
		return limit
	}
	secs := (cost - tokens) / r
	if secs >= limit.Seconds() {
		return limit
	}
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// LocalBucket keeps buckets in process. Refill is lazy: tokens are
// recomputed from elapsed time whenever the bucket is touched.
type LocalBucket struct {
	maxWait time.Duration

	mu      sync.Mutex
	buckets map[string]*localEntry
}

type localEntry struct {
	lim        *rate.Limiter
	lastRefill time.Time
}

// NewLocalBucket returns an empty LocalBucket whose wait estimates are
// capped at maxWait.
func NewLocalBucket(maxWait time.Duration) *LocalBucket {
	return &LocalBucket{maxWait: maxWait, buckets: make(map[string]*localEntry)}
}

func (b *LocalBucket) Configure(_ context.Context, destID string, r float64, capacity int, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.buckets[destID]; ok {
		e.lim.SetBurstAt(now, capacity)
		e.lastRefill = now
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(r), capacity)
	b.buckets[destID] = &localEntry{lim: lim, lastRefill: now}
	return nil
}

func (b *LocalBucket) TryConsume(_ context.Context, destID string, cost int, now time.Time) (Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.buckets[destID]
	if !ok {
		return Decision{}, fmt.Errorf("shaper: bucket %q: %w", destID, model.ErrNotFound)
	}
	admitted := e.lim.AllowN(now, cost)
	e.lastRefill = now
	st := e.state(destID, now)
	d := Decision{Admitted: admitted, State: st}
	if !admitted {
		d.Wait = waitFor(float64(cost), st.TokensAvailable, st.RefillRate, b.maxWait)
	}
	return d, nil
}

func (b *LocalBucket) SetRate(_ context.Context, destID string, r float64, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.buckets[destID]
	if !ok {
		return fmt.Errorf("shaper: bucket %q: %w", destID, model.ErrNotFound)
	}
	e.lim.SetLimitAt(now, rate.Limit(r))
	e.lastRefill = now
	return nil
}

func (b *LocalBucket) State(_ context.Context, destID string, now time.Time) (model.RateLimitState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.buckets[destID]
	if !ok {
		return model.RateLimitState{}, fmt.Errorf("shaper: bucket %q: %w", destID, model.ErrNotFound)
	}
	return e.state(destID, now), nil
}

func (e *localEntry) state(destID string, now time.Time) model.RateLimitState {
	r := float64(e.lim.Limit())
	return model.RateLimitState{
		DestinationID:   destID,
		TokensAvailable: e.lim.TokensAt(now),
		RefillRate:      r,
		Capacity:        float64(e.lim.Burst()),
		LastRefill:      e.lastRefill,
		CurrentRate:     r,
	}
}

var _ Bucket = (*LocalBucket)(nil)
