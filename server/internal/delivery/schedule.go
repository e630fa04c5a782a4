package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDelay is how long an item waits after its failed attempt number
// attempt (zero-based): base·2^attempt.
func retryDelay(base time.Duration, attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << 20,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
