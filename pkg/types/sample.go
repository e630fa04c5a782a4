package types

import "time"

// Sample is one latency observation for an operation type.
type Sample struct {
	// OperationType names the measured operation, e.g. "get_history" or "merge".
	OperationType string `json:"operation_type"`

	// DurationMicros is the observed duration in microseconds. Must be positive.
	DurationMicros int64 `json:"duration_micros"`

	// StartedAt and EndedAt bound the observation. StartedAt must precede EndedAt.
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// Context carries opaque caller fields (branch, identity, commit) that the
	// server stores and returns without interpretation.
	Context map[string]string `json:"context,omitempty"`
}

// SampleBatch is the body accepted by the ingest endpoint.
type SampleBatch struct {
	Source  string   `json:"source,omitempty"`
	Samples []Sample `json:"samples"`
}

// IngestResponse reports how a batch was handled.
type IngestResponse struct {
	Accepted int             `json:"accepted"`
	Rejected int             `json:"rejected"`
	Alerts   []string        `json:"alerts,omitempty"`
	Errors   []IngestFailure `json:"errors,omitempty"`
}

// IngestFailure describes one rejected sample by its index in the batch.
type IngestFailure struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}
