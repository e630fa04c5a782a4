package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/obsidianstack/pulse/server/internal/model"
)

// Webhook posts payloads as JSON. It is safe for concurrent use.
type Webhook struct {
	client *http.Client
	now    func() time.Time
}

// NewWebhook returns a Webhook using client, or a client without its own
// timeout when nil. Callers bound each send with the context deadline.
func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{}
	}
	return &Webhook{client: client, now: time.Now}
}

func (w *Webhook) Send(ctx context.Context, d Descriptor, p model.Payload) (Result, error) {
	if d.URL == "" {
		return Result{}, fmt.Errorf("sink: %s: no url resolved", d.ID)
	}

	var body any
	switch d.Type {
	case "slack":
		body = slackBody(p)
	case "teams":
		body = teamsBody(p)
	case "pagerduty":
		body = pagerDutyBody(p)
	case "http":
		body = map[string]any{"alert": p}
	default:
		return Result{}, fmt.Errorf("sink: %s: %w %q", d.ID, ErrUnknownType, d.Type)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("sink: %s: encode: %w", d.ID, err)
	}

	start := w.now()
	res, err := w.post(ctx, d.URL, data)
	res.Elapsed = w.now().Sub(start)
	if err != nil {
		return res, fmt.Errorf("sink: %s: %w", d.ID, err)
	}
	slog.Debug("sink: webhook delivered",
		"destination", d.ID,
		"type", d.Type,
		"alert", p.AlertID,
		"status", res.StatusCode,
	)
	return res, nil
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res := Result{StatusCode: resp.StatusCode}
	if resp.StatusCode >= 400 {
		return res, &StatusError{Code: resp.StatusCode}
	}
	res.Success = true
	return res, nil
}

func slackBody(p model.Payload) map[string]any {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* %s\n%s", severityLabel(p.Severity), p.Title, p.Message)
	for _, k := range sortedKeys(p.Evidence) {
		fmt.Fprintf(&b, "\n• %s: %.4g", k, p.Evidence[k])
	}
	if p.Recommendation != "" {
		fmt.Fprintf(&b, "\n_%s_", p.Recommendation)
	}
	return map[string]any{"text": b.String()}
}

func teamsBody(p model.Payload) map[string]any {
	facts := make([]map[string]string, 0, len(p.Evidence)+2)
	facts = append(facts,
		map[string]string{"name": "Operation", "value": p.OperationType},
		map[string]string{"name": "Kind", "value": string(p.Kind)},
	)
	for _, k := range sortedKeys(p.Evidence) {
		facts = append(facts, map[string]string{"name": k, "value": fmt.Sprintf("%.4g", p.Evidence[k])})
	}
	text := p.Message
	if p.Recommendation != "" {
		text += "\n\n" + p.Recommendation
	}
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(p.Severity),
		"summary":    p.Title,
		"title":      p.Title,
		"text":       text,
		"sections":   []map[string]any{{"facts": facts}},
	}
}

// pagerDutyBody builds an Events API v2 trigger. The alert ID is the dedup
// key so retries of one item never open a second incident.
func pagerDutyBody(p model.Payload) map[string]any {
	details := map[string]any{"message": p.Message}
	for k, v := range p.Evidence {
		details[k] = v
	}
	if p.Recommendation != "" {
		details["recommendation"] = p.Recommendation
	}
	return map[string]any{
		"event_action": "trigger",
		"dedup_key":    p.AlertID,
		"payload": map[string]any{
			"summary":        p.Title,
			"source":         p.OperationType,
			"severity":       pagerDutySeverity(p.Severity),
			"component":      p.OperationType,
			"class":          string(p.Kind),
			"timestamp":      p.CreatedAt.Format(time.RFC3339),
			"custom_details": details,
		},
	}
}

func severityLabel(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "[CRITICAL]"
	case model.SeverityWarning:
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "FF4F6A"
	case model.SeverityWarning:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}

func pagerDutySeverity(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "critical"
	case model.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}
