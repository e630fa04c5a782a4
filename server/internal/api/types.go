package api

import "github.com/obsidianstack/pulse/server/internal/shaper"

// HealthResponse is the payload for GET /api/v1/health and the body of
// every WebSocket broadcast.
type HealthResponse struct {
	State            string           `json:"state"`
	OpenAlerts       int              `json:"open_alerts"`
	CriticalAlerts   int              `json:"critical_alerts"`
	Acknowledged     int              `json:"acknowledged_alerts"`
	QueueDepth       int              `json:"queue_depth"`
	Escalations      int              `json:"escalations"`
	Baselines        int              `json:"baselines"`
	HealthyCount     int              `json:"healthy_destinations"`
	DegradedCount    int              `json:"degraded_destinations"`
	UnavailableCount int              `json:"unavailable_destinations"`
	Diagnostics      []DiagnosticHint `json:"diagnostics"`
	GeneratedAt      string           `json:"generated_at"` // RFC3339

	destinations []shaper.DestinationView
}

// ackRequest is the body of the ack and resolve actions. Both fields are
// optional.
type ackRequest struct {
	By    string `json:"by"`
	Notes string `json:"notes"`
}

// snoozeRequest creates a snooze. Either ExpiresAt or Duration must be set;
// empty OperationType and Kind match everything.
type snoozeRequest struct {
	OperationType string `json:"operation_type"`
	Kind          string `json:"kind"`
	ExpiresAt     string `json:"expires_at"` // RFC3339
	Duration      string `json:"duration"`   // e.g. "2h"
	Reason        string `json:"reason"`
	CreatedBy     string `json:"created_by"`
}

type errorResponse struct {
	Error string `json:"error"`
}
