package store

import (
	"context"
	"time"

	"github.com/obsidianstack/pulse/server/internal/model"
)

// Store is implemented by Memory and sqlite.Store.
type Store interface {
	AppendSample(ctx context.Context, s model.Sample) error
	// Samples returns op's samples whose EndedAt lies in [from, to), oldest first.
	Samples(ctx context.Context, op string, from, to time.Time) ([]model.Sample, error)
	// OperationTypes lists operation types with at least one sample ending at
	// or after since, sorted.
	OperationTypes(ctx context.Context, since time.Time) ([]string, error)
	PurgeSamples(ctx context.Context, before time.Time) (int, error)

	// ActiveBaseline returns model.ErrNotFound when op has no active baseline.
	ActiveBaseline(ctx context.Context, op string) (model.Baseline, error)
	ActiveBaselines(ctx context.Context) ([]model.Baseline, error)
	// ReplaceBaseline deactivates op's current baseline, activates b and
	// appends change, as one step.
	ReplaceBaseline(ctx context.Context, b model.Baseline, change model.BaselineChange) error
	BaselineHistory(ctx context.Context, op string) ([]model.BaselineChange, error)

	// ClaimJob takes the (job, key) lease for holder until now+ttl. It returns
	// false without error when another holder's lease is still live.
	ClaimJob(ctx context.Context, job, key, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseJob(ctx context.Context, job, key, holder string) error

	InsertDetection(ctx context.Context, d model.Detection) error
	LinkDetection(ctx context.Context, detectionID, alertID string) error
	Detections(ctx context.Context, since time.Time) ([]model.Detection, error)

	// UpsertCorrelation replaces the result for the canonical pair.
	UpsertCorrelation(ctx context.Context, c model.CorrelationResult) error
	Correlations(ctx context.Context) ([]model.CorrelationResult, error)
	PurgeCorrelations(ctx context.Context, before time.Time) (int, error)

	InsertAlert(ctx context.Context, a model.Alert) error
	UpdateAlert(ctx context.Context, a model.Alert) error
	Alert(ctx context.Context, id string) (model.Alert, error)
	// Alerts returns alerts in state (all when empty), newest first.
	Alerts(ctx context.Context, state model.AlertState) ([]model.Alert, error)
	CountAlertsSince(ctx context.Context, op string, since time.Time) (int, error)

	InsertSnooze(ctx context.Context, s model.Snooze) error
	Snoozes(ctx context.Context) ([]model.Snooze, error)
	ActiveSnoozes(ctx context.Context, now time.Time) ([]model.Snooze, error)

	EnqueueItem(ctx context.Context, item model.DeliveryItem) error
	// ClaimNextItem claims the most urgent eligible item: highest priority,
	// then oldest, skipping items whose claim is still live. ok is false when
	// nothing is eligible.
	ClaimNextItem(ctx context.Context, worker string, now time.Time, ttl time.Duration) (item model.DeliveryItem, ok bool, err error)
	// ReleaseItem drops worker's claim and defers the item until nextEligible.
	ReleaseItem(ctx context.Context, id, worker string, nextEligible time.Time) error
	// UpdateItem writes item back and clears any claim on it.
	UpdateItem(ctx context.Context, item model.DeliveryItem) error
	Item(ctx context.Context, id string) (model.DeliveryItem, error)
	// Items returns items in status (all when empty), oldest first.
	Items(ctx context.Context, status model.DeliveryStatus) ([]model.DeliveryItem, error)
	PendingDepth(ctx context.Context, destination string) (int, error)
	// FailStale marks every unclaimed pending or retrying item created before
	// cutoff as failed with reason stale and returns the updated items.
	FailStale(ctx context.Context, cutoff, now time.Time) ([]model.DeliveryItem, error)

	// UpdateHealth applies fn to destination's health row (a zero row with
	// the ID set when none exists) and stores the result atomically.
	UpdateHealth(ctx context.Context, destination string, fn func(*model.DestinationHealth)) (model.DestinationHealth, error)
	Health(ctx context.Context, destination string) (model.DestinationHealth, error)
	Healths(ctx context.Context) ([]model.DestinationHealth, error)

	AppendRateChange(ctx context.Context, c model.RateChange) error
	RateChanges(ctx context.Context, destination string) ([]model.RateChange, error)
	AppendBackpressure(ctx context.Context, s model.BackpressureSignal) error
	BackpressureSignals(ctx context.Context, destination string) ([]model.BackpressureSignal, error)

	Close() error
}

// Eligible reports whether item can be claimed at now.
func Eligible(item model.DeliveryItem, now time.Time) bool {
	if !item.Status.Queued() || item.NextEligibleAt.After(now) {
		return false
	}
	return item.ClaimedBy == "" || !item.ClaimedUntil.After(now)
}

// Before orders queue items: higher priority first, then FIFO by creation,
// then by ID for a stable tie-break.
func Before(a, b model.DeliveryItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
