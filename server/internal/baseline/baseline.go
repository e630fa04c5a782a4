package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/metrics"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/stats"
	"github.com/obsidianstack/pulse/server/internal/store"
)

// JobName is the claim and report name of the recalculation job.
const JobName = "baseline"

// RetentionJobName is the report name of the sample purge.
const RetentionJobName = "retention"

// criticalRatio is the duration/threshold ratio at which a threshold alert
// becomes CRITICAL.
const criticalRatio = 3.0

const (
	defaultClaimTTL    = 5 * time.Minute
	defaultConcurrency = 4
)

// Outcome describes what a Recalculate call did.
type Outcome string

const (
	OutcomeReplaced     Outcome = "replaced"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeInsufficient Outcome = "insufficient"
	OutcomeClaimed      Outcome = "claimed"
)

// Service is safe for concurrent use.
type Service struct {
	store   store.Store
	cfg     *config.Holder
	metrics *metrics.Metrics
	holder  string

	now         func() time.Time
	claimTTL    time.Duration
	concurrency int
}

// New creates a Service. holder identifies this process in job claims.
func New(st store.Store, cfg *config.Holder, m *metrics.Metrics, holder string) *Service {
	return &Service{
		store:       st,
		cfg:         cfg,
		metrics:     m,
		holder:      holder,
		now:         time.Now,
		claimTTL:    defaultClaimTTL,
		concurrency: defaultConcurrency,
	}
}

// Record validates and persists s, then checks it against the active
// baseline. A non-nil alert is returned when the threshold was exceeded; the
// caller hands it to the router.
func (s *Service) Record(ctx context.Context, smp model.Sample) (*model.Alert, error) {
	if err := smp.Validate(); err != nil {
		s.metrics.SampleRejected()
		return nil, err
	}
	if smp.ID == "" {
		smp.ID = uuid.NewString()
	}
	if smp.RecordedAt.IsZero() {
		smp.RecordedAt = s.now()
	}
	if err := s.store.AppendSample(ctx, smp); err != nil {
		return nil, fmt.Errorf("baseline: record: %w", err)
	}
	s.metrics.SampleIngested(smp.OperationType)
	return s.CheckThreshold(ctx, smp)
}

// CheckThreshold returns a THRESHOLD_EXCEEDED alert when smp's duration
// exceeds the active baseline's threshold. With no active baseline it
// returns nil.
func (s *Service) CheckThreshold(ctx context.Context, smp model.Sample) (*model.Alert, error) {
	b, err := s.store.ActiveBaseline(ctx, smp.OperationType)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("baseline: check threshold: %w", err)
	}

	threshold := b.Threshold()
	duration := float64(smp.DurationMicros)
	if threshold <= 0 || duration <= threshold {
		return nil, nil
	}

	ratio := duration / threshold
	sev := model.SeverityWarning
	if ratio >= criticalRatio {
		sev = model.SeverityCritical
	}
	msg := fmt.Sprintf("%s took %s, %.1fx the threshold of %s (p99 %s × %.2f)",
		smp.OperationType, micros(duration), ratio, micros(threshold), micros(b.P99), b.AlertMultiplier)
	return &model.Alert{
		ID:             uuid.NewString(),
		OperationType:  smp.OperationType,
		Kind:           model.KindThresholdExceeded,
		Severity:       sev,
		State:          model.AlertOpen,
		Message:        msg,
		Value:          duration,
		Threshold:      threshold,
		Recommendation: "Inspect the sample context for the offending call and compare with recent baseline changes.",
		Context:        smp.Context,
		CreatedAt:      s.now(),
	}, nil
}

// Recalculate recomputes op's baseline from the samples of the last
// lookback. It is a no-op when fewer than minSamples samples exist, when p99
// moved by no more than the change threshold (unless force is set), or when
// another holder owns the (baseline, op) claim.
func (s *Service) Recalculate(ctx context.Context, op string, lookback time.Duration, minSamples int, force bool) (Outcome, error) {
	cfg := s.cfg.Current().Server.Baseline
	now := s.now()

	ok, err := s.store.ClaimJob(ctx, JobName, op, s.holder, now, s.claimTTL)
	if err != nil {
		return "", fmt.Errorf("baseline: claim %q: %w", op, err)
	}
	if !ok {
		slog.Debug("baseline: claim held elsewhere", "operation", op)
		return OutcomeClaimed, nil
	}
	defer func() {
		if err := s.store.ReleaseJob(context.WithoutCancel(ctx), JobName, op, s.holder); err != nil {
			slog.Warn("baseline: release claim", "operation", op, "error", err)
		}
	}()

	samples, err := s.store.Samples(ctx, op, now.Add(-lookback), now.Add(time.Nanosecond))
	if err != nil {
		return "", fmt.Errorf("baseline: load samples %q: %w", op, err)
	}
	if minSamples < 1 {
		minSamples = 1
	}
	if len(samples) < minSamples {
		return OutcomeInsufficient, nil
	}

	durations := make([]float64, len(samples))
	for i, smp := range samples {
		durations[i] = float64(smp.DurationMicros)
	}
	sum := stats.Summarize(durations)

	prev, err := s.store.ActiveBaseline(ctx, op)
	hasPrev := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return "", fmt.Errorf("baseline: load active %q: %w", op, err)
	}

	delta := 0.0
	if hasPrev && prev.P99 > 0 {
		delta = math.Abs(sum.P99-prev.P99) / prev.P99 * 100
	}
	if hasPrev && !force && prev.P99 > 0 && delta <= cfg.ChangeThresholdPct {
		return OutcomeUnchanged, nil
	}

	next := model.Baseline{
		ID:              uuid.NewString(),
		OperationType:   op,
		P50:             sum.P50,
		P75:             sum.P75,
		P90:             sum.P90,
		P95:             sum.P95,
		P99:             sum.P99,
		Min:             sum.Min,
		Max:             sum.Max,
		Mean:            sum.Mean,
		StdDev:          sum.StdDev,
		SampleCount:     sum.Count,
		AlertMultiplier: cfg.Multiplier(op),
		Active:          true,
		ComputedAt:      now,
	}
	change := model.BaselineChange{
		OperationType: op,
		NewID:         next.ID,
		NewP99:        next.P99,
		DeltaPct:      delta,
		Forced:        force,
		ChangedAt:     now,
	}
	if hasPrev {
		change.PreviousID = prev.ID
		change.PreviousP99 = prev.P99
	}
	if err := s.store.ReplaceBaseline(ctx, next, change); err != nil {
		return "", fmt.Errorf("baseline: replace %q: %w", op, err)
	}
	slog.Info("baseline: replaced",
		"operation", op,
		"p99_us", next.P99,
		"delta_pct", delta,
		"samples", next.SampleCount,
		"forced", force,
	)
	return OutcomeReplaced, nil
}

// RecalculateAll recalculates every operation type with samples in the
// configured lookback. Per-operation errors are kept in the report and never
// abort the run.
func (s *Service) RecalculateAll(ctx context.Context) (model.JobReport, error) {
	cfg := s.cfg.Current().Server.Baseline
	report := model.JobReport{Job: JobName, StartedAt: s.now()}

	ops, err := s.store.OperationTypes(ctx, report.StartedAt.Add(-cfg.Lookback))
	if err != nil {
		return report, fmt.Errorf("baseline: list operations: %w", err)
	}

	units := make([]model.UnitResult, len(ops))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, op := range ops {
		g.Go(func() error {
			outcome, err := s.Recalculate(ctx, op, cfg.Lookback, cfg.MinSamples, false)
			units[i] = model.UnitResult{Key: op, Detail: string(outcome)}
			if err != nil {
				units[i].Err = err.Error()
				slog.Error("baseline: recalculation failed", "operation", op, "error", err)
				return nil
			}
			s.metrics.BaselineOutcome(string(outcome))
			return nil
		})
	}
	_ = g.Wait()

	report.Units = units
	report.Finish(s.now())
	return report, nil
}

// PurgeExpired drops samples older than the retention window.
func (s *Service) PurgeExpired(ctx context.Context) (model.JobReport, error) {
	report := model.JobReport{Job: RetentionJobName, StartedAt: s.now()}
	keep := s.cfg.Current().Server.Retention.Samples
	if keep <= 0 {
		report.Finish(s.now())
		return report, nil
	}
	n, err := s.store.PurgeSamples(ctx, report.StartedAt.Add(-keep))
	if err != nil {
		return report, fmt.Errorf("baseline: purge samples: %w", err)
	}
	report.Units = []model.UnitResult{{Key: "samples", Detail: fmt.Sprintf("%d purged", n)}}
	if n > 0 {
		slog.Info("baseline: samples purged", "count", n, "retention", keep)
	}
	report.Finish(s.now())
	return report, nil
}

func micros(us float64) string {
	return time.Duration(us * float64(time.Microsecond)).String()
}
