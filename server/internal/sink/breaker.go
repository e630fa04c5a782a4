package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/obsidianstack/pulse/server/internal/model"
)

// BreakerSettings tunes the per-destination circuit breakers.
type BreakerSettings struct {
	// Failures is the consecutive failure count that opens a breaker.
	Failures uint32
	// OpenFor is how long an open breaker rejects sends before letting a
	// single probe through.
	OpenFor time.Duration
}

// DefaultBreakerSettings opens after five straight failures for 30s.
var DefaultBreakerSettings = BreakerSettings{Failures: 5, OpenFor: 30 * time.Second}

// Breaker wraps a Sink with one circuit breaker per destination ID. While a
// breaker is open Send returns gobreaker.ErrOpenState without calling the
// wrapped sink.
type Breaker struct {
	next     Sink
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[Result]
}

func NewBreaker(next Sink, settings BreakerSettings) *Breaker {
	if settings.Failures == 0 {
		settings.Failures = DefaultBreakerSettings.Failures
	}
	if settings.OpenFor <= 0 {
		settings.OpenFor = DefaultBreakerSettings.OpenFor
	}
	return &Breaker{next: next, settings: settings, breakers: make(map[string]*gobreaker.CircuitBreaker[Result])}
}

func (b *Breaker) breaker(id string) *gobreaker.CircuitBreaker[Result] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[id]; ok {
		return cb
	}
	failures := b.settings.Failures
	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     b.settings.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("sink: breaker state changed", "destination", name, "from", from.String(), "to", to.String())
		},
	})
	b.breakers[id] = cb
	return cb
}

func (b *Breaker) Send(ctx context.Context, d Descriptor, p model.Payload) (Result, error) {
	return b.breaker(d.ID).Execute(func() (Result, error) {
		return b.next.Send(ctx, d, p)
	})
}

// States reports the breaker state per destination that has sent at least
// once.
func (b *Breaker) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.breakers))
	for id, cb := range b.breakers {
		out[id] = cb.State().String()
	}
	return out
}
