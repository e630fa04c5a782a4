package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/obsidianstack/pulse/server/internal/model"
)

// ErrUnknownType is returned for a destination type no sink handles.
var ErrUnknownType = errors.New("unknown destination type")

// Descriptor identifies where a payload goes. URL is the resolved
// credential.
type Descriptor struct {
	ID   string
	Type string
	URL  string
}

// Result describes one send attempt.
type Result struct {
	Success    bool
	StatusCode int
	Elapsed    time.Duration
}

// Sink delivers one payload. A non-nil error always comes with
// Result.Success false.
type Sink interface {
	Send(ctx context.Context, d Descriptor, p model.Payload) (Result, error)
}

// StatusError is returned when the endpoint answered with HTTP ≥ 400.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("webhook returned HTTP %d", e.Code) }

// Mux picks a sink by destination type: "log" goes to Log, everything
// else to Webhook.
type Mux struct {
	Webhook Sink
	Log     Sink
}

func (m Mux) Send(ctx context.Context, d Descriptor, p model.Payload) (Result, error) {
	if d.Type == "log" {
		return m.Log.Send(ctx, d, p)
	}
	return m.Webhook.Send(ctx, d, p)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
