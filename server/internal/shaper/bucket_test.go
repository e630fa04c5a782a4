package shaper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/obsidianstack/pulse/server/internal/model"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newRedisBucket(t *testing.T) (*RedisBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBucket(client, "test:bucket:", time.Minute), mr
}

func bucketImpls(t *testing.T) map[string]func(t *testing.T) Bucket {
	return map[string]func(t *testing.T) Bucket{
		"local": func(t *testing.T) Bucket { return NewLocalBucket(time.Minute) },
		"redis": func(t *testing.T) Bucket {
			b, _ := newRedisBucket(t)
			return b
		},
	}
}

func TestBucket_TokenConservation(t *testing.T) {
	for name, mk := range bucketImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := mk(t)
			if err := b.Configure(ctx, "pager", 1, 10, base); err != nil {
				t.Fatalf("Configure: %v", err)
			}

			for i := 0; i < 10; i++ {
				d, err := b.TryConsume(ctx, "pager", 1, base)
				if err != nil {
					t.Fatalf("TryConsume %d: %v", i, err)
				}
				if !d.Admitted {
					t.Fatalf("TryConsume %d denied with %.2f tokens", i, d.State.TokensAvailable)
				}
				if want := float64(9 - i); d.State.TokensAvailable != want {
					t.Errorf("after %d consumptions tokens = %v, want %v", i+1, d.State.TokensAvailable, want)
				}
			}

			d, err := b.TryConsume(ctx, "pager", 1, base)
			if err != nil {
				t.Fatalf("TryConsume: %v", err)
			}
			if d.Admitted {
				t.Fatal("11th token admitted from a 10-token bucket")
			}
			if d.Wait != time.Second {
				t.Errorf("Wait = %v, want 1s", d.Wait)
			}

			// 2.5s at 1 token/s refills 2.5 tokens.
			later := base.Add(2500 * time.Millisecond)
			admitted := 0
			for i := 0; i < 5; i++ {
				d, err := b.TryConsume(ctx, "pager", 1, later)
				if err != nil {
					t.Fatalf("TryConsume: %v", err)
				}
				if d.Admitted {
					admitted++
					continue
				}
				if d.Wait != 500*time.Millisecond {
					t.Errorf("Wait = %v, want 500ms", d.Wait)
				}
			}
			if admitted != 2 {
				t.Errorf("admitted %d after 2.5s refill, want 2", admitted)
			}
		})
	}
}

func TestBucket_ConcurrentConsumersNeverOverspend(t *testing.T) {
	for name, mk := range bucketImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := mk(t)
			if err := b.Configure(ctx, "pager", 1, 10, base); err != nil {
				t.Fatalf("Configure: %v", err)
			}

			var admitted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := b.TryConsume(ctx, "pager", 1, base)
					if err != nil {
						t.Errorf("TryConsume: %v", err)
						return
					}
					if d.Admitted {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()
			if n := admitted.Load(); n != 10 {
				t.Errorf("admitted = %d, want exactly 10", n)
			}
		})
	}
}

func TestBucket_SetRateKeepsAccruedTokens(t *testing.T) {
	for name, mk := range bucketImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := mk(t)
			if err := b.Configure(ctx, "pager", 1, 10, base); err != nil {
				t.Fatalf("Configure: %v", err)
			}
			for i := 0; i < 10; i++ {
				if _, err := b.TryConsume(ctx, "pager", 1, base); err != nil {
					t.Fatalf("TryConsume: %v", err)
				}
			}

			// Two seconds at the old rate, then two at the new one.
			if err := b.SetRate(ctx, "pager", 2, base.Add(2*time.Second)); err != nil {
				t.Fatalf("SetRate: %v", err)
			}
			st, err := b.State(ctx, "pager", base.Add(4*time.Second))
			if err != nil {
				t.Fatalf("State: %v", err)
			}
			if st.TokensAvailable != 6 {
				t.Errorf("tokens = %v, want 6", st.TokensAvailable)
			}
			if st.CurrentRate != 2 || st.RefillRate != 2 {
				t.Errorf("rate = %v/%v, want 2", st.CurrentRate, st.RefillRate)
			}
			if st.Capacity != 10 {
				t.Errorf("capacity = %v, want 10", st.Capacity)
			}

			// Refill never exceeds capacity.
			st, err = b.State(ctx, "pager", base.Add(time.Hour))
			if err != nil {
				t.Fatalf("State: %v", err)
			}
			if st.TokensAvailable != 10 {
				t.Errorf("tokens after an hour = %v, want capacity 10", st.TokensAvailable)
			}
		})
	}
}

func TestBucket_ReconfigureKeepsRate(t *testing.T) {
	for name, mk := range bucketImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := mk(t)
			if err := b.Configure(ctx, "pager", 1, 10, base); err != nil {
				t.Fatalf("Configure: %v", err)
			}
			if err := b.SetRate(ctx, "pager", 0.5, base); err != nil {
				t.Fatalf("SetRate: %v", err)
			}
			if err := b.Configure(ctx, "pager", 1, 4, base); err != nil {
				t.Fatalf("Configure: %v", err)
			}
			st, err := b.State(ctx, "pager", base)
			if err != nil {
				t.Fatalf("State: %v", err)
			}
			if st.CurrentRate != 0.5 {
				t.Errorf("rate = %v, want 0.5 kept across reconfigure", st.CurrentRate)
			}
			if st.Capacity != 4 || st.TokensAvailable != 4 {
				t.Errorf("capacity/tokens = %v/%v, want 4/4", st.Capacity, st.TokensAvailable)
			}
		})
	}
}

func TestBucket_UnknownDestination(t *testing.T) {
	for name, mk := range bucketImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := mk(t)
			if _, err := b.TryConsume(ctx, "ghost", 1, base); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("TryConsume: got %v, want ErrNotFound", err)
			}
			if err := b.SetRate(ctx, "ghost", 1, base); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("SetRate: got %v, want ErrNotFound", err)
			}
			if _, err := b.State(ctx, "ghost", base); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("State: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRedisBucket_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	a := NewRedisBucket(c1, "shared:", time.Minute)
	b := NewRedisBucket(c2, "shared:", time.Minute)

	if err := a.Configure(ctx, "pager", 1, 3, base); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	// The second instance configuring the same bucket must not refill it.
	if _, err := a.TryConsume(ctx, "pager", 2, base); err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if err := b.Configure(ctx, "pager", 1, 3, base); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	d, err := b.TryConsume(ctx, "pager", 2, base)
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if d.Admitted {
		t.Fatal("second instance spent tokens the first already used")
	}
	if d.State.TokensAvailable != 1 {
		t.Errorf("tokens = %v, want 1", d.State.TokensAvailable)
	}
	if !d.State.LastRefill.Equal(base) {
		t.Errorf("LastRefill = %v, want %v", d.State.LastRefill, base)
	}
	if !mr.Exists("shared:pager") {
		t.Error("bucket hash not stored under the prefix")
	}
}

func TestWaitFor(t *testing.T) {
	cases := []struct {
		name               string
		cost, tokens, rate float64
		want               time.Duration
	}{
		{"enough tokens", 1, 3, 1, 0},
		{"one missing", 1, 0, 1, time.Second},
		{"fractional", 1, 0.75, 2, 125 * time.Millisecond},
		{"capped", 1, 0, 0.001, time.Minute},
		{"zero rate", 1, 0, 0, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := waitFor(tc.cost, tc.tokens, tc.rate, time.Minute); got != tc.want {
				t.Errorf("waitFor = %v, want %v", got, tc.want)
			}
		})
	}
}
