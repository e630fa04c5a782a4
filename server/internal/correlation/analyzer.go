package correlation

import (
	"context"
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

// JobName is the claim and report name of the correlation pass.
const JobName = "correlation"

const (
	bucketWidth = time.Minute

	// saturationBuckets is the aligned bucket count at which confidence
	// reaches 1.0.
	saturationBuckets = 60.0

	criticalCoefficient = 0.9

	claimKey           = "all"
	defaultClaimTTL    = 10 * time.Minute
	defaultConcurrency = 4
)

// Router receives detections that need an alert.
type Router interface {
	RouteDetection(ctx context.Context, d model.Detection) (model.Alert, error)
}

// Analyzer is safe for concurrent use; Analyze runs under a store claim so
// only one pass is active across instances.
type Analyzer struct {
	store   store.Store
	cfg     *config.Holder
	router  Router
	metrics *metrics.Metrics
	holder  string

	now         func() time.Time
	claimTTL    time.Duration
	concurrency int
}

func New(st store.Store, cfg *config.Holder, router Router, m *metrics.Metrics, holder string) *Analyzer {
	return &Analyzer{
		store:       st,
		cfg:         cfg,
		router:      router,
		metrics:     m,
		holder:      holder,
		now:         time.Now,
		claimTTL:    defaultClaimTTL,
		concurrency: defaultConcurrency,
	}
}

// DetectCorrelatedDegradation correlates one pair over the configured
// window. It returns nil when the pair has fewer aligned buckets than
// min_pairs or either series is flat. Category and Remediation are set only
// when the coefficient reaches the threshold.
func (a *Analyzer) DetectCorrelatedDegradation(ctx context.Context, opA, opB string) (*model.CorrelationResult, error) {
	return a.correlate(ctx, opA, opB, a.cfg.Current().Server.Correlation)
}

func (a *Analyzer) correlate(ctx context.Context, opA, opB string, cfg config.CorrelationConfig) (*model.CorrelationResult, error) {
	opA, opB = model.CanonicalPair(opA, opB)
	now := a.now()
	from := now.Add(-cfg.Window)

	seriesA, err := a.buckets(ctx, opA, from, now)
	if err != nil {
		return nil, err
	}
	seriesB, err := a.buckets(ctx, opB, from, now)
	if err != nil {
		return nil, err
	}

	var xs, ys []float64
	for minute, avgA := range seriesA {
		if avgB, ok := seriesB[minute]; ok {
			xs = append(xs, avgA)
			ys = append(ys, avgB)
		}
	}
	if len(xs) < cfg.MinPairs {
		return nil, nil
	}
	r, ok := stats.Pearson(xs, ys)
	if !ok {
		return nil, nil
	}

	res := &model.CorrelationResult{
		OperationA:     opA,
		OperationB:     opB,
		Coefficient:    r,
		AlignedBuckets: len(xs),
		Confidence:     math.Min(1, float64(len(xs))/saturationBuckets),
		AnalyzedAt:     now,
	}
	if r >= cfg.Threshold {
		res.Category, res.Remediation = Classify(opA, opB)
	}
	return res, nil
}

// buckets averages op's durations per minute. Map iteration order does not
// matter to Pearson because x and y are appended pairwise.
func (a *Analyzer) buckets(ctx context.Context, op string, from, to time.Time) (map[int64]float64, error) {
	samples, err := a.store.Samples(ctx, op, from, to.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("correlation: load samples %q: %w", op, err)
	}
	sums := make(map[int64]float64)
	counts := make(map[int64]int)
	for _, smp := range samples {
		k := smp.EndedAt.Truncate(bucketWidth).Unix()
		sums[k] += float64(smp.DurationMicros)
		counts[k]++
	}
	for k, n := range counts {
		sums[k] /= float64(n)
	}
	return sums, nil
}

// Analyze purges stale results, then correlates every pair of operations
// with samples in the window. Each pair is one report unit.
func (a *Analyzer) Analyze(ctx context.Context) (model.JobReport, error) {
	cfg := a.cfg.Current().Server.Correlation
	report := model.JobReport{Job: JobName, StartedAt: a.now()}

	ok, err := a.store.ClaimJob(ctx, JobName, claimKey, a.holder, report.StartedAt, a.claimTTL)
	if err != nil {
		return report, fmt.Errorf("correlation: claim: %w", err)
	}
	if !ok {
		slog.Debug("correlation: pass running elsewhere")
		report.Finish(a.now())
		return report, nil
	}
	defer func() {
		if err := a.store.ReleaseJob(context.WithoutCancel(ctx), JobName, claimKey, a.holder); err != nil {
			slog.Warn("correlation: release claim", "error", err)
		}
	}()

	if n, err := a.store.PurgeCorrelations(ctx, report.StartedAt.Add(-cfg.Retention)); err != nil {
		return report, fmt.Errorf("correlation: purge: %w", err)
	} else if n > 0 {
		slog.Info("correlation: purged stale results", "count", n)
	}

	ops, err := a.store.OperationTypes(ctx, report.StartedAt.Add(-cfg.Window))
	if err != nil {
		return report, fmt.Errorf("correlation: list operations: %w", err)
	}
	recent, err := a.store.Detections(ctx, report.StartedAt.Add(-cfg.Window))
	if err != nil {
		return report, fmt.Errorf("correlation: load recent detections: %w", err)
	}
	alerted := make(map[[2]string]bool)
	for _, d := range recent {
		if d.Kind == model.KindCorrelatedBottleneck && len(d.OperationTypes) == 2 {
			x, y := model.CanonicalPair(d.OperationTypes[0], d.OperationTypes[1])
			alerted[[2]string{x, y}] = true
		}
	}

	var pairs [][2]string
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			pairs = append(pairs, [2]string{ops[i], ops[j]})
		}
	}
	units := make([]model.UnitResult, len(pairs))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, p := range pairs {
		g.Go(func() error {
			units[i] = a.analyzePair(ctx, p[0], p[1], cfg, alerted)
			return nil
		})
	}
	_ = g.Wait()

	report.Units = units
	report.Finish(a.now())
	return report, nil
}

func (a *Analyzer) analyzePair(ctx context.Context, opA, opB string, cfg config.CorrelationConfig, alerted map[[2]string]bool) model.UnitResult {
	unit := model.UnitResult{Key: opA + "~" + opB}
	fail := func(err error) model.UnitResult {
		unit.Err = err.Error()
		slog.Error("correlation: pair failed", "pair", unit.Key, "error", err)
		return unit
	}

	res, err := a.correlate(ctx, opA, opB, cfg)
	if err != nil {
		return fail(err)
	}
	if res == nil {
		unit.Detail = "insufficient"
		return unit
	}
	if res.Coefficient < cfg.Threshold {
		unit.Detail = fmt.Sprintf("r=%.2f below threshold", res.Coefficient)
		return unit
	}
	if err := a.store.UpsertCorrelation(ctx, *res); err != nil {
		return fail(fmt.Errorf("correlation: upsert: %w", err))
	}
	unit.Detail = fmt.Sprintf("r=%.2f %s", res.Coefficient, res.Category)

	if alerted[[2]string{res.OperationA, res.OperationB}] {
		return unit
	}
	sev := model.SeverityWarning
	if res.Coefficient >= criticalCoefficient {
		sev = model.SeverityCritical
	}
	msg := fmt.Sprintf("%s and %s degrade together (r=%.2f over %d buckets): %s",
		res.OperationA, res.OperationB, res.Coefficient, res.AlignedBuckets, res.Category)
	det := model.Detection{
		ID:             uuid.NewString(),
		OperationTypes: []string{res.OperationA, res.OperationB},
		Kind:           model.KindCorrelatedBottleneck,
		Severity:       sev,
		Correlation:    res.Coefficient,
		Confidence:     res.Confidence,
		Message:        msg,
		DetectedAt:     res.AnalyzedAt,
	}
	if err := a.store.InsertDetection(ctx, det); err != nil {
		return fail(fmt.Errorf("correlation: persist detection: %w", err))
	}
	a.metrics.Detection(string(det.Kind), string(det.Severity))

	if a.router != nil {
		if _, err := a.router.RouteDetection(ctx, det); err != nil {
			return fail(fmt.Errorf("correlation: route: %w", err))
		}
	}
	slog.Info("correlation: bottleneck detected",
		"a", res.OperationA,
		"b", res.OperationB,
		"coefficient", res.Coefficient,
		"category", res.Category,
		"severity", sev,
	)
	return unit
}
