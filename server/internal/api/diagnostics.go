package api

import (
	"fmt"
	"sort"

	"github.com/obsidianstack/pulse/server/internal/model"
)

// DiagnosticHint is one human-readable finding about the pipeline. The
// dashboard shows Title on a chip and Detail on click.
type DiagnosticHint struct {
	// Key is stable and machine-readable, e.g. "destination_unavailable:pager".
	Key string `json:"key"`
	// Level is "info" | "warning" | "critical".
	Level  string   `json:"level"`
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Value  *float64 `json:"value,omitempty"`
}

// queueWarnUtilization matches the shaper's warn tier.
const queueWarnUtilization = 0.7

// computeDiagnostics derives hints from a summary. limits holds each
// destination's configured max_pending. Hints are ordered critical first,
// then warnings, then info, then by key.
func computeDiagnostics(s HealthResponse, limits map[string]int) []DiagnosticHint {
	var hints []DiagnosticHint

	if s.Baselines == 0 {
		hints = append(hints, DiagnosticHint{
			Key:   "warming_up",
			Level: "info",
			Title: "No baselines yet",
			Detail: "No operation has an active baseline, so threshold alerts are off. " +
				"Baselines are computed once an operation has enough samples in the lookback window. " +
				"Statistical and degradation detection still run.",
		})
	}

	if s.Escalations > 0 {
		v := float64(s.Escalations)
		hints = append(hints, DiagnosticHint{
			Key:   "escalations",
			Level: "critical",
			Title: fmt.Sprintf("%d failed deliveries", s.Escalations),
			Detail: fmt.Sprintf(
				"%d notifications ran out of retries or sat in the queue past the staleness window. "+
					"Nobody was told about these alerts through their destination. "+
					"Check GET /api/v1/escalations and the destinations' health.",
				s.Escalations),
			Value: &v,
		})
	}

	for _, d := range s.destinations {
		if !d.Enabled {
			continue
		}
		h := d.Health
		switch h.Classification {
		case model.HealthUnavailable:
			v := h.Score
			hints = append(hints, DiagnosticHint{
				Key:   "destination_unavailable:" + d.ID,
				Level: "critical",
				Title: d.ID + " unavailable",
				Detail: fmt.Sprintf(
					"Destination %s scores %.1f with %d consecutive failures. "+
						"Its send rate has been cut to the minimum until it recovers.",
					d.ID, h.Score, h.ConsecutiveFailures),
				Value: &v,
			})
		case model.HealthDegraded:
			v := h.Score
			hints = append(hints, DiagnosticHint{
				Key:   "destination_degraded:" + d.ID,
				Level: "warning",
				Title: d.ID + " degraded",
				Detail: fmt.Sprintf(
					"Destination %s scores %.1f (%.0f%% success, p95 %.0fms). "+
						"Its queue limit and send rate are reduced.",
					d.ID, h.Score, h.SuccessRate()*100, h.LatencyP95),
				Value: &v,
			})
		}

		if limit := limits[d.ID]; limit > 0 {
			if u := float64(d.PendingDepth) / float64(limit); u >= queueWarnUtilization {
				v := u * 100
				hints = append(hints, DiagnosticHint{
					Key:   "queue_pressure:" + d.ID,
					Level: "warning",
					Title: fmt.Sprintf("%s queue %.0f%% full", d.ID, v),
					Detail: fmt.Sprintf(
						"%d of %d queued notifications for %s. Above 80%% new alerts are throttled, above 90%% they are rejected.",
						d.PendingDepth, limit, d.ID),
					Value: &v,
				})
			}
		}
	}

	if s.CriticalAlerts > 0 {
		v := float64(s.CriticalAlerts)
		hints = append(hints, DiagnosticHint{
			Key:    "critical_alerts",
			Level:  "warning",
			Title:  fmt.Sprintf("%d critical alerts open", s.CriticalAlerts),
			Detail: "Critical alerts stay open until acknowledged or resolved. Acknowledging cancels their queued deliveries.",
			Value:  &v,
		})
	}

	sort.SliceStable(hints, func(i, j int) bool {
		if levelRank(hints[i].Level) != levelRank(hints[j].Level) {
			return levelRank(hints[i].Level) > levelRank(hints[j].Level)
		}
		return hints[i].Key < hints[j].Key
	})
	return hints
}

func levelRank(level string) int {
	switch level {
	case "critical":
		return 2
	case "warning":
		return 1
	default:
		return 0
	}
}

// stateFromHints picks the overall state from the worst hint.
func stateFromHints(hints []DiagnosticHint) string {
	state := "healthy"
	for _, h := range hints {
		switch h.Level {
		case "critical":
			return "critical"
		case "warning":
			state = "degraded"
		}
	}
	return state
}
