package sink

import (
	"context"
	"log/slog"

	"github.com/obsidianstack/pulse/server/internal/model"
)

// Log writes payloads to the structured log. It never fails.
type Log struct{}

func (Log) Send(ctx context.Context, d Descriptor, p model.Payload) (Result, error) {
	attrs := []any{
		"destination", d.ID,
		"alert", p.AlertID,
		"severity", p.Severity,
		"kind", p.Kind,
		"operation", p.OperationType,
		"message", p.Message,
	}
	for _, k := range sortedKeys(p.Evidence) {
		attrs = append(attrs, k, p.Evidence[k])
	}
	slog.Log(ctx, slog.LevelWarn, "sink: "+p.Title, attrs...)
	return Result{Success: true}, nil
}
