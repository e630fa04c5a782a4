package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/correlation"
	"github.com/obsidianstack/pulse/server/internal/events"
	"github.com/obsidianstack/pulse/server/internal/metrics"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/shaper"
	"github.com/obsidianstack/pulse/server/internal/store"
)

// ErrResolved is returned when acknowledging an alert that is already
// resolved.
var ErrResolved = errors.New("alert already resolved")

// Admitter decides whether a destination accepts another queued item.
type Admitter interface {
	Admit(ctx context.Context, destID string) (shaper.Admission, error)
}

// Routed reports what Route did with one alert.
type Routed struct {
	Alert model.Alert `json:"alert"`
	// Source is the matching rule name, SourceDefault, or empty when the
	// alert was suppressed.
	Source   string `json:"source,omitempty"`
	SnoozeID string `json:"snooze_id,omitempty"`
	// Queued holds admitted items; Rejected holds the failed items written
	// for destinations that refused admission.
	Queued   []model.DeliveryItem `json:"queued,omitempty"`
	Rejected []model.DeliveryItem `json:"rejected,omitempty"`
	// Errors lists destinations that could not be evaluated or enqueued.
	Errors map[string]string `json:"errors,omitempty"`
}

// Destinations lists every destination an item was written for.
func (r Routed) Destinations() []string {
	out := make([]string, 0, len(r.Queued)+len(r.Rejected))
	for _, it := range r.Queued {
		out = append(out, it.DestinationID)
	}
	for _, it := range r.Rejected {
		out = append(out, it.DestinationID)
	}
	return out
}

// Router is safe for concurrent use.
type Router struct {
	store   store.Store
	cfg     *config.Holder
	admit   Admitter
	events  events.Publisher
	metrics *metrics.Metrics

	now func() time.Time

	// escalation counts and inserts under mu so concurrent alerts for one
	// operation see each other.
	mu sync.Mutex
}

func New(st store.Store, cfg *config.Holder, admit Admitter, pub events.Publisher, m *metrics.Metrics) *Router {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Router{
		store:   st,
		cfg:     cfg,
		admit:   admit,
		events:  pub,
		metrics: m,
		now:     time.Now,
	}
}

// Route persists a and queues it for delivery. The precedence is
// escalation, persistence, snooze, explicit rules, then severity defaults.
// A returned error means the alert was not persisted; per-destination
// problems are reported in Routed.Errors instead.
func (r *Router) Route(ctx context.Context, a model.Alert) (Routed, error) {
	return r.route(ctx, a, nil)
}

func (r *Router) route(ctx context.Context, a model.Alert, evidence map[string]float64) (Routed, error) {
	cfg := r.cfg.Current().Server
	now := r.now()

	if a.Severity.Rank() == 0 {
		return Routed{}, fmt.Errorf("alerts: route: invalid severity %q", a.Severity)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.State = model.AlertOpen

	if err := r.escalateAndInsert(ctx, &a, cfg.Routing, now); err != nil {
		return Routed{}, err
	}

	routed := Routed{Alert: a}
	snoozes, err := r.store.ActiveSnoozes(ctx, now)
	if err != nil {
		return routed, fmt.Errorf("alerts: load snoozes: %w", err)
	}
	for _, s := range snoozes {
		if !s.Matches(a, now) {
			continue
		}
		a.Suppressed = true
		if err := r.store.UpdateAlert(ctx, a); err != nil {
			return routed, fmt.Errorf("alerts: suppress %s: %w", a.ID, err)
		}
		routed.Alert, routed.SnoozeID = a, s.ID
		r.metrics.AlertRouted(string(a.Severity), "suppressed")
		slog.Info("alerts: suppressed",
			"alert", a.ID,
			"operation", a.OperationType,
			"kind", a.Kind,
			"snooze", s.ID,
			"expires_at", s.ExpiresAt,
		)
		events.Emit(ctx, r.events, model.Event{Type: model.AlertRouted, At: now, Alert: &a})
		return routed, nil
	}

	dests, source := resolve(cfg, a)
	routed.Source = source
	payload := payloadFor(a, evidence)
	for _, id := range dests {
		item, err := r.enqueue(ctx, a, id, payload, cfg, now)
		if err != nil {
			if routed.Errors == nil {
				routed.Errors = make(map[string]string)
			}
			routed.Errors[id] = err.Error()
			slog.Error("alerts: enqueue failed", "alert", a.ID, "destination", id, "error", err)
			continue
		}
		if item.Status == model.StatusFailed {
			routed.Rejected = append(routed.Rejected, item)
		} else {
			routed.Queued = append(routed.Queued, item)
		}
	}

	outcome := "queued"
	if len(routed.Queued) == 0 {
		outcome = "unrouted"
	}
	r.metrics.AlertRouted(string(a.Severity), outcome)
	slog.Info("alerts: routed",
		"alert", a.ID,
		"operation", a.OperationType,
		"kind", a.Kind,
		"severity", a.Severity,
		"escalated", a.Escalated,
		"source", source,
		"queued", len(routed.Queued),
		"rejected", len(routed.Rejected),
	)
	events.Emit(ctx, r.events, model.Event{Type: model.AlertRouted, At: now, Alert: &a, Destinations: routed.Destinations()})
	return routed, nil
}

// escalateAndInsert forces CRITICAL when the operation has alerted
// EscalationCount times within EscalationWindow, this alert included, and
// then persists the alert.
func (r *Router) escalateAndInsert(ctx context.Context, a *model.Alert, rc config.RoutingConfig, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rc.EscalationCount > 0 {
		n, err := r.store.CountAlertsSince(ctx, a.OperationType, now.Add(-rc.EscalationWindow))
		if err != nil {
			return fmt.Errorf("alerts: count recent alerts: %w", err)
		}
		if n+1 >= rc.EscalationCount {
			if a.Severity != model.SeverityCritical {
				slog.Warn("alerts: escalated",
					"alert", a.ID,
					"operation", a.OperationType,
					"from", a.Severity,
					"recent", n+1,
					"window", rc.EscalationWindow,
				)
			}
			a.Severity = model.SeverityCritical
			a.Escalated = true
		}
	}
	if err := r.store.InsertAlert(ctx, *a); err != nil {
		return fmt.Errorf("alerts: persist %s: %w", a.ID, err)
	}
	return nil
}

// enqueue runs backpressure admission for destID and writes the item. A
// refused admission still writes the item, failed with reason rejected.
func (r *Router) enqueue(ctx context.Context, a model.Alert, destID string, p model.Payload, cfg config.ServerConfig, now time.Time) (model.DeliveryItem, error) {
	dest, ok := cfg.Destination(destID)
	if !ok {
		return model.DeliveryItem{}, fmt.Errorf("alerts: destination %q: %w", destID, model.ErrNotFound)
	}
	item := model.DeliveryItem{
		ID:             uuid.NewString(),
		AlertID:        a.ID,
		DestinationID:  destID,
		Payload:        p,
		Status:         model.StatusPending,
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		NextEligibleAt: now,
		Priority:       a.Severity.Rank()*10 + dest.Criticality,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if r.admit != nil {
		adm, err := r.admit.Admit(ctx, destID)
		if err != nil {
			return model.DeliveryItem{}, fmt.Errorf("alerts: admit %q: %w", destID, err)
		}
		if !adm.Admitted {
			item.Status = model.StatusFailed
			item.FailureReason = model.ReasonRejected
			item.LastError = fmt.Sprintf("backpressure %s: %d pending of %d", adm.Action, adm.Depth, adm.Limit)
		}
	}
	if err := r.store.EnqueueItem(ctx, item); err != nil {
		return model.DeliveryItem{}, fmt.Errorf("alerts: enqueue %q: %w", destID, err)
	}
	return item, nil
}

// RouteDetection turns a detection into an alert, routes it and links the
// detection to the alert.
func (r *Router) RouteDetection(ctx context.Context, d model.Detection) (model.Alert, error) {
	a := model.Alert{
		DetectionID:    d.ID,
		OperationType:  d.PrimaryOperation(),
		Kind:           d.Kind,
		Severity:       d.Severity,
		Message:        d.Message,
		Value:          d.Value,
		Recommendation: recommendationFor(d),
	}
	if len(d.OperationTypes) > 1 {
		a.Context = map[string]string{"correlated_with": d.OperationTypes[1]}
	}
	routed, err := r.route(ctx, a, evidenceOf(d))
	if err != nil {
		return routed.Alert, err
	}
	if err := r.store.LinkDetection(ctx, d.ID, routed.Alert.ID); err != nil {
		return routed.Alert, fmt.Errorf("alerts: link detection %s: %w", d.ID, err)
	}
	return routed.Alert, nil
}

// Acknowledge marks the alert acknowledged. Queued items for it are
// cancelled when a worker next claims them.
func (r *Router) Acknowledge(ctx context.Context, id, by, notes string) (model.Alert, error) {
	a, err := r.store.Alert(ctx, id)
	if err != nil {
		return a, fmt.Errorf("alerts: acknowledge %s: %w", id, err)
	}
	switch a.State {
	case model.AlertResolved:
		return a, fmt.Errorf("alerts: acknowledge %s: %w", id, ErrResolved)
	case model.AlertAcknowledged:
		return a, nil
	}
	now := r.now()
	a.State = model.AlertAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	if notes != "" {
		a.Notes = notes
	}
	if err := r.store.UpdateAlert(ctx, a); err != nil {
		return a, fmt.Errorf("alerts: acknowledge %s: %w", id, err)
	}
	slog.Info("alerts: acknowledged", "alert", id, "by", by)
	events.Emit(ctx, r.events, model.Event{Type: model.EventAlertAcknowledged, At: now, Alert: &a})
	return a, nil
}

// Resolve closes the alert. Resolving a resolved alert is a no-op.
func (r *Router) Resolve(ctx context.Context, id, by, notes string) (model.Alert, error) {
	a, err := r.store.Alert(ctx, id)
	if err != nil {
		return a, fmt.Errorf("alerts: resolve %s: %w", id, err)
	}
	if a.State == model.AlertResolved {
		return a, nil
	}
	now := r.now()
	a.State = model.AlertResolved
	a.ResolvedAt = &now
	if a.AcknowledgedBy == "" {
		a.AcknowledgedBy = by
	}
	if notes != "" {
		a.Notes = notes
	}
	if err := r.store.UpdateAlert(ctx, a); err != nil {
		return a, fmt.Errorf("alerts: resolve %s: %w", id, err)
	}
	slog.Info("alerts: resolved", "alert", id, "by", by)
	events.Emit(ctx, r.events, model.Event{Type: model.EventAlertResolved, At: now, Alert: &a})
	return a, nil
}

// Snooze stores s. Empty operation or kind fields become wildcards.
func (r *Router) Snooze(ctx context.Context, s model.Snooze) (model.Snooze, error) {
	now := r.now()
	if !s.ExpiresAt.After(now) {
		return s, fmt.Errorf("alerts: snooze: expiry %s is not in the future", s.ExpiresAt.Format(time.RFC3339))
	}
	if s.OperationType == "" {
		s.OperationType = model.Wildcard
	}
	if s.Kind == "" {
		s.Kind = model.Wildcard
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = now
	if err := r.store.InsertSnooze(ctx, s); err != nil {
		return s, fmt.Errorf("alerts: snooze: %w", err)
	}
	slog.Info("alerts: snoozed",
		"snooze", s.ID,
		"operation", s.OperationType,
		"kind", s.Kind,
		"expires_at", s.ExpiresAt,
		"by", s.CreatedBy,
	)
	return s, nil
}

// Snoozes lists every stored snooze, expired ones included.
func (r *Router) Snoozes(ctx context.Context) ([]model.Snooze, error) {
	out, err := r.store.Snoozes(ctx)
	if err != nil {
		return nil, fmt.Errorf("alerts: list snoozes: %w", err)
	}
	return out, nil
}

func payloadFor(a model.Alert, evidence map[string]float64) model.Payload {
	ev := make(map[string]float64, len(evidence)+2)
	for k, v := range evidence {
		ev[k] = v
	}
	if a.Value != 0 {
		ev["value_us"] = a.Value
	}
	if a.Threshold != 0 {
		ev["threshold_us"] = a.Threshold
	}
	title := fmt.Sprintf("[%s] %s on %s", a.Severity, a.Kind, a.OperationType)
	if a.Escalated {
		title += " (escalated)"
	}
	return model.Payload{
		Title:          title,
		Severity:       a.Severity,
		Kind:           a.Kind,
		OperationType:  a.OperationType,
		Message:        a.Message,
		Evidence:       ev,
		Recommendation: a.Recommendation,
		AlertID:        a.ID,
		CreatedAt:      a.CreatedAt,
	}
}

func evidenceOf(d model.Detection) map[string]float64 {
	ev := make(map[string]float64)
	if d.ZScore != 0 {
		ev["z_score"] = d.ZScore
	}
	if d.DegradationPct != 0 {
		ev["degradation_pct"] = d.DegradationPct
	}
	if d.Correlation != 0 {
		ev["correlation"] = d.Correlation
	}
	if d.Confidence != 0 {
		ev["confidence"] = d.Confidence
	}
	return ev
}

func recommendationFor(d model.Detection) string {
	switch d.Kind {
	case model.KindCorrelatedBottleneck:
		if len(d.OperationTypes) == 2 {
			_, remediation := correlation.Classify(d.OperationTypes[0], d.OperationTypes[1])
			return remediation
		}
	case model.KindStatisticalOutlier:
		return "Inspect the context of the outlying sample; isolated spikes usually point at lock contention or a cold cache."
	case model.KindDegradation:
		return "Compare the slow half of the window with recent deploys and repository growth; sustained p99 growth rarely recovers on its own."
	case model.KindCombined:
		return "Latency is both spiking and trending up. Treat as an active regression and bisect recent changes."
	}
	return ""
}
