package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/obsidianstack/pulse/server/internal/model"
)

// Publisher delivers events to the bus.
type Publisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// Nop discards every event. It is used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, model.Event) error { return nil }

// NATS publishes events as JSON on <prefix>.<event type>.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials url. The connection reconnects on its own; publishes made
// while disconnected are buffered by the client.
func Connect(url, prefix string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("pulse-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("events: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("events: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %q: %w", url, err)
	}
	return &NATS{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject events of type t are published on.
func (p *NATS) Subject(t model.EventType) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

func (p *NATS) Publish(_ context.Context, e model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Type, err)
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (p *NATS) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e model.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes e on p and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, e model.Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		slog.Warn("events: publish failed", "type", e.Type, "error", err)
	}
}
