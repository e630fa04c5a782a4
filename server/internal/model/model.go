package model

import (
	"fmt"
	"time"
)

// Severity orders alert urgency. The zero value is invalid.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns 1 for INFO, 2 for WARNING, 3 for CRITICAL and 0 otherwise.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// MaxSeverity returns the more urgent of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity accepts any casing of info, warning and critical.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "INFO", "info":
		return SeverityInfo, nil
	case "WARNING", "warning":
		return SeverityWarning, nil
	case "CRITICAL", "critical":
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Kind classifies what produced an alert or detection.
type Kind string

const (
	KindThresholdExceeded    Kind = "THRESHOLD_EXCEEDED"
	KindStatisticalOutlier   Kind = "STATISTICAL_OUTLIER"
	KindDegradation          Kind = "DEGRADATION"
	KindCorrelatedBottleneck Kind = "CORRELATED_BOTTLENECK"
	KindCombined             Kind = "COMBINED"
)

// Sample is one persisted latency observation.
type Sample struct {
	ID             string            `json:"id"`
	OperationType  string            `json:"operation_type"`
	DurationMicros int64             `json:"duration_micros"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
	RecordedAt     time.Time         `json:"recorded_at"`
	Context        map[string]string `json:"context,omitempty"`
}

// Validate reports ErrInvalidSample for non-positive durations, a missing
// operation type or a time range that does not move forward.
func (s Sample) Validate() error {
	if s.OperationType == "" {
		return fmt.Errorf("%w: operation type is required", ErrInvalidSample)
	}
	if s.DurationMicros <= 0 {
		return fmt.Errorf("%w: duration %dµs must be positive", ErrInvalidSample, s.DurationMicros)
	}
	if !s.StartedAt.Before(s.EndedAt) {
		return fmt.Errorf("%w: start %s is not before end %s",
			ErrInvalidSample, s.StartedAt.Format(time.RFC3339Nano), s.EndedAt.Format(time.RFC3339Nano))
	}
	return nil
}

// Baseline is the expected performance envelope of an operation type.
// Percentiles and moments are in microseconds.
type Baseline struct {
	ID              string    `json:"id"`
	OperationType   string    `json:"operation_type"`
	P50             float64   `json:"p50"`
	P75             float64   `json:"p75"`
	P90             float64   `json:"p90"`
	P95             float64   `json:"p95"`
	P99             float64   `json:"p99"`
	Min             float64   `json:"min"`
	Max             float64   `json:"max"`
	Mean            float64   `json:"mean"`
	StdDev          float64   `json:"stddev"`
	SampleCount     int       `json:"sample_count"`
	AlertMultiplier float64   `json:"alert_multiplier"`
	Active          bool      `json:"active"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Threshold is the duration above which a sample raises THRESHOLD_EXCEEDED.
func (b Baseline) Threshold() float64 {
	return b.P99 * b.AlertMultiplier
}

// Ordered reports whether p50 ≤ p75 ≤ p90 ≤ p95 ≤ p99.
func (b Baseline) Ordered() bool {
	return b.P50 <= b.P75 && b.P75 <= b.P90 && b.P90 <= b.P95 && b.P95 <= b.P99
}

// BaselineChange is the audit record written when an active baseline is
// superseded.
type BaselineChange struct {
	OperationType string    `json:"operation_type"`
	PreviousID    string    `json:"previous_id,omitempty"`
	NewID         string    `json:"new_id"`
	PreviousP99   float64   `json:"previous_p99"`
	NewP99        float64   `json:"new_p99"`
	DeltaPct      float64   `json:"delta_pct"`
	Forced        bool      `json:"forced"`
	ChangedAt     time.Time `json:"changed_at"`
}

// Detection is immutable evidence produced by the detectors.
type Detection struct {
	ID             string    `json:"id"`
	OperationTypes []string  `json:"operation_types"`
	Kind           Kind      `json:"kind"`
	Severity       Severity  `json:"severity"`
	ZScore         float64   `json:"z_score,omitempty"`
	DegradationPct float64   `json:"degradation_pct,omitempty"`
	Correlation    float64   `json:"correlation,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Value          float64   `json:"value,omitempty"`
	SampleID       string    `json:"sample_id,omitempty"`
	Message        string    `json:"message,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
	AlertID        string    `json:"alert_id,omitempty"`
}

// PrimaryOperation returns the first operation type the detection names.
func (d Detection) PrimaryOperation() string {
	if len(d.OperationTypes) == 0 {
		return ""
	}
	return d.OperationTypes[0]
}

// AlertState is the operator-facing lifecycle of an alert.
type AlertState string

const (
	AlertOpen         AlertState = "OPEN"
	AlertAcknowledged AlertState = "ACKNOWLEDGED"
	AlertResolved     AlertState = "RESOLVED"
)

// Alert is what the router persists and routes.
type Alert struct {
	ID             string            `json:"id"`
	DetectionID    string            `json:"detection_id,omitempty"`
	OperationType  string            `json:"operation_type"`
	Kind           Kind              `json:"kind"`
	Severity       Severity          `json:"severity"`
	State          AlertState        `json:"state"`
	Escalated      bool              `json:"escalated"`
	Suppressed     bool              `json:"suppressed"`
	Message        string            `json:"message"`
	Value          float64           `json:"value,omitempty"`
	Threshold      float64           `json:"threshold,omitempty"`
	Recommendation string            `json:"recommendation,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

// Closed reports whether the operator has acknowledged or resolved the alert.
func (a Alert) Closed() bool {
	return a.State == AlertAcknowledged || a.State == AlertResolved
}

// Wildcard matches any operation type or kind in a snooze or routing rule.
const Wildcard = "*"

// Snooze suppresses delivery for matching alerts until ExpiresAt.
type Snooze struct {
	ID            string    `json:"id"`
	OperationType string    `json:"operation_type"`
	Kind          string    `json:"kind"`
	ExpiresAt     time.Time `json:"expires_at"`
	Reason        string    `json:"reason,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Matches reports whether s is active at now and covers a.
func (s Snooze) Matches(a Alert, now time.Time) bool {
	if !now.Before(s.ExpiresAt) {
		return false
	}
	if s.OperationType != Wildcard && s.OperationType != a.OperationType {
		return false
	}
	return s.Kind == Wildcard || s.Kind == string(a.Kind)
}

// HealthClass is a destination's classification.
type HealthClass string

const (
	HealthHealthy     HealthClass = "healthy"
	HealthDegraded    HealthClass = "degraded"
	HealthUnavailable HealthClass = "unavailable"
)

// Outcome is one delivery result kept in a destination's rolling window.
type Outcome struct {
	Success   bool      `json:"success"`
	LatencyMs float64   `json:"latency_ms"`
	At        time.Time `json:"at"`
}

// DestinationHealth is continuously upserted from delivery outcomes.
type DestinationHealth struct {
	DestinationID       string      `json:"destination_id"`
	SuccessCount        int         `json:"success_count"`
	FailureCount        int         `json:"failure_count"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LatencyP50          float64     `json:"latency_p50_ms"`
	LatencyP95          float64     `json:"latency_p95_ms"`
	LatencyP99          float64     `json:"latency_p99_ms"`
	Score               float64     `json:"score"`
	Classification      HealthClass `json:"classification"`
	Window              []Outcome   `json:"-"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// SuccessRate is the share of successes in the rolling window, or 1 when the
// window is empty.
func (h DestinationHealth) SuccessRate() float64 {
	total := h.SuccessCount + h.FailureCount
	if total == 0 {
		return 1
	}
	return float64(h.SuccessCount) / float64(total)
}

// DeliveryStatus is the state of a delivery item.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusCancelled DeliveryStatus = "cancelled"
)

// Queued reports whether the item still waits for delivery.
func (s DeliveryStatus) Queued() bool {
	return s == StatusPending || s == StatusRetrying
}

// Failure reasons recorded on failed items.
const (
	ReasonDeadLetter = "dead_letter"
	ReasonStale      = "stale"
	ReasonRejected   = "rejected"
)

// Payload is the structured message handed to a sink.
type Payload struct {
	Title          string             `json:"title"`
	Severity       Severity           `json:"severity"`
	Kind           Kind               `json:"kind"`
	OperationType  string             `json:"operation_type"`
	Message        string             `json:"message"`
	Evidence       map[string]float64 `json:"evidence,omitempty"`
	Recommendation string             `json:"recommendation,omitempty"`
	AlertID        string             `json:"alert_id"`
	CreatedAt      time.Time          `json:"created_at"`
}

// DeliveryItem is one alert queued for one destination.
type DeliveryItem struct {
	ID             string         `json:"id"`
	AlertID        string         `json:"alert_id"`
	DestinationID  string         `json:"destination_id"`
	Payload        Payload        `json:"payload"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextEligibleAt time.Time      `json:"next_eligible_at"`
	Priority       int            `json:"priority"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ClaimedBy      string         `json:"claimed_by,omitempty"`
	ClaimedUntil   time.Time      `json:"claimed_until,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
}

// RateLimitState is the token bucket of one destination.
type RateLimitState struct {
	DestinationID   string    `json:"destination_id"`
	TokensAvailable float64   `json:"tokens_available"`
	RefillRate      float64   `json:"refill_rate"`
	Capacity        float64   `json:"capacity"`
	LastRefill      time.Time `json:"last_refill"`
	CurrentRate     float64   `json:"current_rate"`
}

// RateChange is one committed adaptive-rate adjustment.
type RateChange struct {
	DestinationID string    `json:"destination_id"`
	PreviousRate  float64   `json:"previous_rate"`
	NewRate       float64   `json:"new_rate"`
	Reason        string    `json:"reason"`
	Forced        bool      `json:"forced"`
	ChangedAt     time.Time `json:"changed_at"`
}

// Backpressure actions.
const (
	ActionAccept    = "accept"
	ActionWarn      = "warn"
	ActionThrottle  = "throttle"
	ActionRejectNew = "reject_new"
)

// BackpressureSignal records an admission tier transition.
type BackpressureSignal struct {
	DestinationID  string    `json:"destination_id"`
	Depth          int       `json:"depth"`
	Limit          int       `json:"limit"`
	Utilization    float64   `json:"utilization"`
	Action         string    `json:"action"`
	AcceptanceRate float64   `json:"acceptance_rate"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// CorrelationResult is the latest analysis of one canonical operation pair.
type CorrelationResult struct {
	OperationA     string    `json:"operation_a"`
	OperationB     string    `json:"operation_b"`
	Coefficient    float64   `json:"coefficient"`
	AlignedBuckets int       `json:"aligned_buckets"`
	Confidence     float64   `json:"confidence"`
	Category       string    `json:"category"`
	Remediation    string    `json:"remediation"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
}

// CanonicalPair orders two operation types smaller-first.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Job report statuses.
const (
	JobSuccess = "success"
	JobPartial = "partial"
	JobFailure = "failure"
)

// UnitResult is the outcome of one unit of batch work.
type UnitResult struct {
	Key    string `json:"key"`
	Detail string `json:"detail,omitempty"`
	Err    string `json:"error,omitempty"`
}

// JobReport summarises one batch job run.
type JobReport struct {
	Job        string       `json:"job"`
	Status     string       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Units      []UnitResult `json:"units"`
}

// Finish stamps the report and derives its status from the unit errors.
// A run with no units is a success.
func (r *JobReport) Finish(at time.Time) {
	r.FinishedAt = at
	failed := 0
	for _, u := range r.Units {
		if u.Err != "" {
			failed++
		}
	}
	switch {
	case failed == 0:
		r.Status = JobSuccess
	case failed == len(r.Units):
		r.Status = JobFailure
	default:
		r.Status = JobPartial
	}
}
