package shaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/metrics"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/store"
)

// JobName is the claim and report name of the rate adjustment job.
const JobName = "rate"

// Reasons recorded on rate changes.
const (
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonDegraded       = "degraded"
	ReasonLowSuccess     = "low_success_rate"
	ReasonHighLatency    = "high_latency"
	ReasonRecovery       = "recovery"
	ReasonSteady         = "steady"
)

const (
	// rateChangeThreshold is the relative move below which a computed rate
	// is not committed.
	rateChangeThreshold = 0.05
	minSuccessRate      = 0.95
	// recoveryStep caps how far the rate may rise in one computation.
	recoveryStep = 1.05

	defaultJobClaimTTL = time.Minute
	defaultConcurrency = 4
)

// Shaper is safe for concurrent use.
type Shaper struct {
	store   store.Store
	bucket  Bucket
	cfg     *config.Holder
	metrics *metrics.Metrics
	holder  string

	now         func() time.Time
	jobClaimTTL time.Duration
	concurrency int

	mu         sync.Mutex
	lastAction map[string]string
	throttled  map[string]uint64
}

// New creates a Shaper over bucket. holder identifies this process in job
// claims. Call Sync once the configuration is loaded and again after every
// reload.
func New(st store.Store, bucket Bucket, cfg *config.Holder, m *metrics.Metrics, holder string) *Shaper {
	return &Shaper{
		store:       st,
		bucket:      bucket,
		cfg:         cfg,
		metrics:     m,
		holder:      holder,
		now:         time.Now,
		jobClaimTTL: defaultJobClaimTTL,
		concurrency: defaultConcurrency,
		lastAction:  make(map[string]string),
		throttled:   make(map[string]uint64),
	}
}

// Sync creates buckets for configured destinations and applies capacity
// changes to existing ones.
func (s *Shaper) Sync(ctx context.Context) error {
	now := s.now()
	var errs []error
	for _, d := range s.cfg.Current().Server.Destinations {
		if err := s.bucket.Configure(ctx, d.ID, d.BaseRate, d.Capacity, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensure configures destID's bucket from the current config when the bucket
// does not exist yet.
func (s *Shaper) ensure(ctx context.Context, destID string, now time.Time) error {
	dest, ok := s.cfg.Current().Server.Destination(destID)
	if !ok {
		return fmt.Errorf("shaper: destination %q: %w", destID, model.ErrNotFound)
	}
	return s.bucket.Configure(ctx, destID, dest.BaseRate, dest.Capacity, now)
}

// TryConsume takes cost tokens from destID's bucket.
func (s *Shaper) TryConsume(ctx context.Context, destID string, cost int) (Decision, error) {
	now := s.now()
	d, err := s.bucket.TryConsume(ctx, destID, cost, now)
	if errors.Is(err, model.ErrNotFound) {
		if err := s.ensure(ctx, destID, now); err != nil {
			return Decision{}, err
		}
		d, err = s.bucket.TryConsume(ctx, destID, cost, now)
	}
	if err != nil {
		return Decision{}, err
	}
	if !d.Admitted {
		s.metrics.TokenDenied(destID)
	}
	return d, nil
}

// State reports destID's token bucket.
func (s *Shaper) State(ctx context.Context, destID string) (model.RateLimitState, error) {
	now := s.now()
	st, err := s.bucket.State(ctx, destID, now)
	if errors.Is(err, model.ErrNotFound) {
		if err := s.ensure(ctx, destID, now); err != nil {
			return model.RateLimitState{}, err
		}
		st, err = s.bucket.State(ctx, destID, now)
	}
	return st, err
}

// RecordOutcome appends one delivery result to destID's rolling window and
// rescores it. A success resets the consecutive-failure count.
func (s *Shaper) RecordOutcome(ctx context.Context, destID string, success bool, latency time.Duration) (model.DestinationHealth, error) {
	ceiling := s.cfg.Current().Server.Shaper.LatencyCeiling
	now := s.now()

	var prev model.HealthClass
	h, err := s.store.UpdateHealth(ctx, destID, func(h *model.DestinationHealth) {
		prev = h.Classification
		consecutive := 0
		if !success {
			consecutive = h.ConsecutiveFailures + 1
		}
		window := appendOutcome(h.Window, model.Outcome{
			Success:   success,
			LatencyMs: float64(latency) / float64(time.Millisecond),
			At:        now,
		})
		next := ComputeHealth(window, consecutive, ceiling)
		next.DestinationID = destID
		next.UpdatedAt = now
		*h = next
	})
	if err != nil {
		return h, fmt.Errorf("shaper: record outcome %q: %w", destID, err)
	}
	if prev != "" && prev != h.Classification {
		slog.Warn("shaper: destination reclassified",
			"destination", destID,
			"from", prev,
			"to", h.Classification,
			"score", h.Score,
			"consecutive_failures", h.ConsecutiveFailures,
		)
	}
	return h, nil
}

// health returns destID's health row, or a healthy empty row when no
// outcome has been recorded yet.
func (s *Shaper) health(ctx context.Context, destID string) (model.DestinationHealth, error) {
	h, err := s.store.Health(ctx, destID)
	if errors.Is(err, model.ErrNotFound) {
		return model.DestinationHealth{DestinationID: destID, Score: 100, Classification: model.HealthHealthy}, nil
	}
	if err != nil {
		return h, fmt.Errorf("shaper: load health %q: %w", destID, err)
	}
	if h.Classification == "" {
		h.Classification = model.HealthHealthy
	}
	return h, nil
}

// RateDecision is the result of one adaptive rate computation.
type RateDecision struct {
	DestinationID string  `json:"destination_id"`
	Previous      float64 `json:"previous"`
	New           float64 `json:"new"`
	Target        float64 `json:"target"`
	Reason        string  `json:"reason"`
	Committed     bool    `json:"committed"`
}

func clampRate(d config.Destination, r float64) float64 {
	return math.Max(d.MinRate, math.Min(d.MaxRate, r))
}

// adaptiveRate starts at base and applies the first matching condition.
func adaptiveRate(base float64, h model.DestinationHealth, ceiling time.Duration) (float64, string) {
	ceilingMs := float64(ceiling) / float64(time.Millisecond)
	switch {
	case h.ConsecutiveFailures >= CircuitBreakerFailures:
		return base * 0.1, ReasonCircuitBreaker
	case h.Classification == model.HealthDegraded || h.Classification == model.HealthUnavailable:
		return base * 0.8, ReasonDegraded
	case h.SuccessRate() < minSuccessRate:
		return base * 0.7, ReasonLowSuccess
	case ceilingMs > 0 && h.LatencyP99 > ceilingMs:
		return base * 0.9, ReasonHighLatency
	case h.ConsecutiveFailures == 0:
		return base * 1.05, ReasonRecovery
	default:
		return base, ReasonSteady
	}
}

// nextRate moves current toward target. Decreases apply at once; increases
// climb from current by at most recoveryStep per call.
func nextRate(current, target float64) float64 {
	if current <= 0 || target <= current {
		return target
	}
	return math.Min(current*recoveryStep, target)
}

// climbing reports whether a rise toward target is still materially short
// of it, so a single step of at most 5% is committed anyway.
func climbing(current, next, target float64) bool {
	return next > current && material(current, target)
}

// material reports whether next differs from current by more than the
// commit threshold. The ratio is rounded so an exact 5% move is never
// material regardless of float representation.
func material(current, next float64) bool {
	if current <= 0 {
		return next != current
	}
	rel := math.Abs(next-current) / current
	return math.Round(rel*1e6)/1e6 > rateChangeThreshold
}

// ComputeAdaptiveRate derives destID's rate from its health, clamps it to
// the configured bounds and commits it when it moved materially or force is
// set.
func (s *Shaper) ComputeAdaptiveRate(ctx context.Context, destID string, force bool) (RateDecision, error) {
	cfg := s.cfg.Current().Server
	dest, ok := cfg.Destination(destID)
	if !ok {
		return RateDecision{}, fmt.Errorf("shaper: destination %q: %w", destID, model.ErrNotFound)
	}
	h, err := s.health(ctx, destID)
	if err != nil {
		return RateDecision{}, err
	}
	st, err := s.State(ctx, destID)
	if err != nil {
		return RateDecision{}, fmt.Errorf("shaper: rate state %q: %w", destID, err)
	}

	target, reason := adaptiveRate(dest.BaseRate, h, cfg.Shaper.LatencyCeiling)
	target = clampRate(dest, target)
	next := clampRate(dest, nextRate(st.CurrentRate, target))
	dec := RateDecision{DestinationID: destID, Previous: st.CurrentRate, New: next, Target: target, Reason: reason}

	if !force && !material(st.CurrentRate, next) && !climbing(st.CurrentRate, next, target) {
		slog.Debug("shaper: rate unchanged", "destination", destID, "rate", st.CurrentRate, "candidate", next, "reason", reason)
		return dec, nil
	}

	now := s.now()
	if err := s.bucket.SetRate(ctx, destID, next, now); err != nil {
		return dec, fmt.Errorf("shaper: set rate %q: %w", destID, err)
	}
	change := model.RateChange{
		DestinationID: destID,
		PreviousRate:  st.CurrentRate,
		NewRate:       next,
		Reason:        reason,
		Forced:        force,
		ChangedAt:     now,
	}
	if err := s.store.AppendRateChange(ctx, change); err != nil {
		return dec, fmt.Errorf("shaper: record rate change %q: %w", destID, err)
	}
	dec.Committed = true
	s.metrics.Rate(destID, next)
	slog.Info("shaper: rate committed",
		"destination", destID,
		"previous", st.CurrentRate,
		"rate", next,
		"reason", reason,
		"forced", force,
	)
	return dec, nil
}

// AdjustAll recomputes the rate of every enabled destination.
func (s *Shaper) AdjustAll(ctx context.Context) (model.JobReport, error) {
	report := model.JobReport{Job: JobName, StartedAt: s.now()}

	var dests []string
	for _, d := range s.cfg.Current().Server.Destinations {
		if d.IsEnabled() {
			dests = append(dests, d.ID)
		}
	}

	units := make([]model.UnitResult, len(dests))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range dests {
		g.Go(func() error {
			detail, err := s.adjustOne(ctx, id)
			units[i] = model.UnitResult{Key: id, Detail: detail}
			if err != nil {
				units[i].Err = err.Error()
				slog.Error("shaper: rate adjustment failed", "destination", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Units = units
	report.Finish(s.now())
	return report, nil
}

func (s *Shaper) adjustOne(ctx context.Context, destID string) (string, error) {
	ok, err := s.store.ClaimJob(ctx, JobName, destID, s.holder, s.now(), s.jobClaimTTL)
	if err != nil {
		return "", fmt.Errorf("shaper: claim %q: %w", destID, err)
	}
	if !ok {
		return "claimed elsewhere", nil
	}
	defer func() {
		if err := s.store.ReleaseJob(context.WithoutCancel(ctx), JobName, destID, s.holder); err != nil {
			slog.Warn("shaper: release claim", "destination", destID, "error", err)
		}
	}()

	dec, err := s.ComputeAdaptiveRate(ctx, destID, false)
	if err != nil {
		return "", err
	}
	if !dec.Committed {
		return fmt.Sprintf("%s: unchanged at %.3g/s", dec.Reason, dec.Previous), nil
	}
	return fmt.Sprintf("%s: %.3g/s -> %.3g/s", dec.Reason, dec.Previous, dec.New), nil
}

// Admission is the backpressure verdict for one new delivery item.
type Admission struct {
	DestinationID  string  `json:"destination_id"`
	Action         string  `json:"action"`
	Admitted       bool    `json:"admitted"`
	AcceptanceRate float64 `json:"acceptance_rate"`
	// Flagged marks the warn tier: admitted, but close to the limit.
	Flagged     bool    `json:"flagged"`
	Depth       int     `json:"depth"`
	Limit       int     `json:"limit"`
	Utilization float64 `json:"utilization"`
}

func tierFactor(c model.HealthClass) float64 {
	switch c {
	case model.HealthDegraded:
		return 0.5
	case model.HealthUnavailable:
		return 0.25
	default:
		return 1.0
	}
}

// Admit decides whether a new item may be queued for destID, from the
// destination's pending depth against its health-scaled limit.
func (s *Shaper) Admit(ctx context.Context, destID string) (Admission, error) {
	dest, ok := s.cfg.Current().Server.Destination(destID)
	if !ok {
		return Admission{}, fmt.Errorf("shaper: destination %q: %w", destID, model.ErrNotFound)
	}
	h, err := s.health(ctx, destID)
	if err != nil {
		return Admission{}, err
	}
	depth, err := s.store.PendingDepth(ctx, destID)
	if err != nil {
		return Admission{}, fmt.Errorf("shaper: pending depth %q: %w", destID, err)
	}

	limit := int(math.Floor(float64(dest.MaxPending) * tierFactor(h.Classification)))
	if limit < 1 {
		limit = 1
	}
	a := Admission{
		DestinationID: destID,
		Depth:         depth,
		Limit:         limit,
		Utilization:   float64(depth) / float64(limit),
	}

	s.mu.Lock()
	switch {
	case a.Utilization >= 0.9:
		a.Action, a.AcceptanceRate = model.ActionRejectNew, 0
	case a.Utilization >= 0.8:
		a.Action, a.AcceptanceRate = model.ActionThrottle, 0.5
		a.Admitted = s.throttled[destID]%2 == 0
		s.throttled[destID]++
	case a.Utilization >= 0.7:
		a.Action, a.AcceptanceRate, a.Admitted, a.Flagged = model.ActionWarn, 1, true, true
	default:
		a.Action, a.AcceptanceRate, a.Admitted = model.ActionAccept, 1, true
	}
	prev := s.lastAction[destID]
	if prev == "" {
		prev = model.ActionAccept
	}
	s.lastAction[destID] = a.Action
	if a.Action != model.ActionThrottle {
		s.throttled[destID] = 0
	}
	s.mu.Unlock()

	s.metrics.Backpressure(destID, a.Action)
	if a.Action == prev && a.Action != model.ActionRejectNew {
		return a, nil
	}

	sig := model.BackpressureSignal{
		DestinationID:  destID,
		Depth:          depth,
		Limit:          limit,
		Utilization:    a.Utilization,
		Action:         a.Action,
		AcceptanceRate: a.AcceptanceRate,
		RecordedAt:     s.now(),
	}
	if err := s.store.AppendBackpressure(ctx, sig); err != nil {
		return a, fmt.Errorf("shaper: record backpressure %q: %w", destID, err)
	}
	level := slog.LevelInfo
	if a.Action == model.ActionRejectNew || a.Action == model.ActionThrottle {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "shaper: backpressure",
		"destination", destID,
		"action", a.Action,
		"previous", prev,
		"depth", depth,
		"limit", limit,
		"utilization", a.Utilization,
	)
	return a, nil
}

// Claim is the result of one Dequeue.
type Claim struct {
	// Item is the admitted item, nil when nothing was admitted.
	Item *model.DeliveryItem
	// RetryAfter is set when an item was claimed but its destination had no
	// token. The item is deferred by the same amount.
	RetryAfter time.Duration
}

// Dequeue claims the most urgent eligible item and spends one token of its
// destination. When the bucket is empty the claim is released with the item
// deferred until a token is expected.
func (s *Shaper) Dequeue(ctx context.Context, workerID string) (Claim, error) {
	now := s.now()
	ttl := s.cfg.Current().Server.Delivery.ClaimTTL
	item, ok, err := s.store.ClaimNextItem(ctx, workerID, now, ttl)
	if err != nil {
		return Claim{}, fmt.Errorf("shaper: claim item: %w", err)
	}
	if !ok {
		return Claim{}, nil
	}

	d, err := s.TryConsume(ctx, item.DestinationID, 1)
	switch {
	case errors.Is(err, model.ErrNotFound):
		// Unconfigured destinations are not paced. Delivery fails them.
		return Claim{Item: &item}, nil
	case err != nil:
		if rerr := s.store.ReleaseItem(ctx, item.ID, workerID, now); rerr != nil {
			slog.Warn("shaper: release item", "item", item.ID, "error", rerr)
		}
		return Claim{}, err
	case !d.Admitted:
		if err := s.store.ReleaseItem(ctx, item.ID, workerID, now.Add(d.Wait)); err != nil {
			return Claim{}, fmt.Errorf("shaper: defer item %s: %w", item.ID, err)
		}
		slog.Debug("shaper: token denied",
			"item", item.ID,
			"destination", item.DestinationID,
			"retry_after", d.Wait,
			"tokens", d.State.TokensAvailable,
		)
		return Claim{RetryAfter: d.Wait}, nil
	}
	return Claim{Item: &item}, nil
}

// DestinationView joins a destination's config, health and bucket.
type DestinationView struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Enabled      bool                    `json:"enabled"`
	Criticality  int                     `json:"criticality"`
	Health       model.DestinationHealth `json:"health"`
	RateLimit    model.RateLimitState    `json:"rate_limit"`
	PendingDepth int                     `json:"pending_depth"`
}

// Destinations reports every configured destination in config order.
func (s *Shaper) Destinations(ctx context.Context) ([]DestinationView, error) {
	dests := s.cfg.Current().Server.Destinations
	out := make([]DestinationView, 0, len(dests))
	for _, d := range dests {
		h, err := s.health(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		st, err := s.State(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		depth, err := s.store.PendingDepth(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("shaper: pending depth %q: %w", d.ID, err)
		}
		out = append(out, DestinationView{
			ID:           d.ID,
			Type:         d.Type,
			Enabled:      d.IsEnabled(),
			Criticality:  d.Criticality,
			Health:       h,
			RateLimit:    st,
			PendingDepth: depth,
		})
	}
	return out, nil
}
