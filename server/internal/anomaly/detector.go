package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/metrics"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/stats"
	"github.com/obsidianstack/pulse/server/internal/store"
)

// JobName is the claim and report name of the detection job.
const JobName = "anomaly"

const (
	// minSamples is the fewest samples a statistical pass will look at.
	minSamples = 5

	// minHalfSamples is the fewest samples each degradation half needs.
	minHalfSamples = 5

	criticalZ = 4.0

	// stableSlopePct is the daily p99 slope, as a share of the mean daily
	// p99, under which a trend counts as stable.
	stableSlopePct = 0.01

	defaultClaimTTL    = 5 * time.Minute
	defaultConcurrency = 4
)

// Trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Router receives detections that need an alert.
type Router interface {
	RouteDetection(ctx context.Context, d model.Detection) (model.Alert, error)
}

// Degradation is the evidence behind a DEGRADATION detection.
type Degradation struct {
	Detection  model.Detection `json:"detection"`
	FirstP99   float64         `json:"first_p99"`
	SecondP99  float64         `json:"second_p99"`
	Trend      string          `json:"trend"`
	Slope      float64         `json:"slope"`
	Confidence float64         `json:"confidence"`
	Samples    int             `json:"samples"`
}

// CombinedResult merges both detectors for one operation.
type CombinedResult struct {
	OperationType string            `json:"operation_type"`
	Outliers      []model.Detection `json:"outliers"`
	Degradation   *Degradation      `json:"degradation,omitempty"`

	// Primary is the detection to alert on, nil when nothing was found.
	Primary       *model.Detection `json:"primary,omitempty"`
	Severity      model.Severity   `json:"severity,omitempty"`
	AlertRequired bool             `json:"alert_required"`
	Assessment    Assessment       `json:"assessment"`
}

// Detector is safe for concurrent use.
type Detector struct {
	store   store.Store
	cfg     *config.Holder
	router  Router
	scorer  Scorer
	metrics *metrics.Metrics
	holder  string

	now         func() time.Time
	claimTTL    time.Duration
	concurrency int
}

// New creates a Detector. router may be nil, in which case Run persists
// detections without alerting. A nil scorer selects HeuristicScorer.
func New(st store.Store, cfg *config.Holder, router Router, scorer Scorer, m *metrics.Metrics, holder string) *Detector {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &Detector{
		store:       st,
		cfg:         cfg,
		router:      router,
		scorer:      scorer,
		metrics:     m,
		holder:      holder,
		now:         time.Now,
		claimTTL:    defaultClaimTTL,
		concurrency: defaultConcurrency,
	}
}

func (d *Detector) window(ctx context.Context, op string, span time.Duration) ([]model.Sample, time.Time, error) {
	now := d.now()
	from := now.Add(-span)
	samples, err := d.store.Samples(ctx, op, from, now.Add(time.Nanosecond))
	if err != nil {
		return nil, from, fmt.Errorf("anomaly: load samples %q: %w", op, err)
	}
	return samples, from, nil
}

// DetectStatistical returns one detection per sample in the last window
// whose |z| reaches threshold. It returns nothing for fewer than five
// samples or zero variance.
func (d *Detector) DetectStatistical(ctx context.Context, op string, window time.Duration, threshold float64) ([]model.Detection, error) {
	samples, _, err := d.window(ctx, op, window)
	if err != nil {
		return nil, err
	}
	if len(samples) < minSamples {
		return nil, nil
	}
	values := durations(samples)
	mean := stats.Mean(values)
	sd := stats.StdDev(values, true)
	if sd == 0 {
		return nil, nil
	}

	now := d.now()
	var out []model.Detection
	for i, smp := range samples {
		z := stats.ZScore(values[i], mean, sd)
		if math.Abs(z) < threshold {
			continue
		}
		sev := model.SeverityWarning
		if math.Abs(z) >= criticalZ {
			sev = model.SeverityCritical
		}
		out = append(out, model.Detection{
			ID:             uuid.NewString(),
			OperationTypes: []string{op},
			Kind:           model.KindStatisticalOutlier,
			Severity:       sev,
			ZScore:         z,
			Value:          values[i],
			SampleID:       smp.ID,
			Message:        fmt.Sprintf("%s sample of %.0fµs is %.1fσ from the window mean of %.0fµs", op, values[i], z, mean),
			DetectedAt:     now,
		})
	}
	return out, nil
}

// DetectDegradation compares the p99 of the older and newer halves of the
// last days. It returns nil when either half has too few samples or the
// increase stays under pct.
func (d *Detector) DetectDegradation(ctx context.Context, op string, days int, pct float64) (*Degradation, error) {
	span := time.Duration(days) * 24 * time.Hour
	samples, from, err := d.window(ctx, op, span)
	if err != nil {
		return nil, err
	}
	mid := from.Add(span / 2)

	var first, second []float64
	for _, smp := range samples {
		if smp.EndedAt.Before(mid) {
			first = append(first, float64(smp.DurationMicros))
		} else {
			second = append(second, float64(smp.DurationMicros))
		}
	}
	if len(first) < minHalfSamples || len(second) < minHalfSamples {
		return nil, nil
	}
	p1 := stats.Percentile(stats.Sorted(first), 99)
	p2 := stats.Percentile(stats.Sorted(second), 99)
	if p1 <= 0 {
		return nil, nil
	}
	degradation := (p2 - p1) / p1 * 100
	if degradation < pct {
		return nil, nil
	}

	trend, slope := dailyTrend(samples, from, days)
	confidence := math.Min(1, float64(len(samples))/float64(days*24))

	sev := model.SeverityWarning
	if degradation >= 2*pct {
		sev = model.SeverityCritical
	}
	msg := fmt.Sprintf("%s p99 rose %.1f%% from %.0fµs to %.0fµs over %dd (trend %s)",
		op, degradation, p1, p2, days, trend)
	return &Degradation{
		Detection: model.Detection{
			ID:             uuid.NewString(),
			OperationTypes: []string{op},
			Kind:           model.KindDegradation,
			Severity:       sev,
			DegradationPct: degradation,
			Confidence:     confidence,
			Value:          p2,
			Message:        msg,
			DetectedAt:     d.now(),
		},
		FirstP99:   p1,
		SecondP99:  p2,
		Trend:      trend,
		Slope:      slope,
		Confidence: confidence,
		Samples:    len(samples),
	}, nil
}

// dailyTrend fits a least-squares line through the p99 of each day that has
// samples and reports its direction.
func dailyTrend(samples []model.Sample, from time.Time, days int) (string, float64) {
	buckets := make(map[int][]float64)
	for _, smp := range samples {
		day := int(smp.EndedAt.Sub(from) / (24 * time.Hour))
		if day >= days {
			day = days - 1
		}
		buckets[day] = append(buckets[day], float64(smp.DurationMicros))
	}
	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	xs := make([]float64, len(keys))
	ys := make([]float64, len(keys))
	for i, k := range keys {
		xs[i] = float64(k)
		ys[i] = stats.Percentile(stats.Sorted(buckets[k]), 99)
	}
	slope, _, _, ok := stats.LinearRegression(xs, ys)
	if !ok {
		return TrendStable, 0
	}
	mean := stats.Mean(ys)
	switch {
	case mean > 0 && math.Abs(slope) < mean*stableSlopePct:
		return TrendStable, slope
	case slope > 0:
		return TrendIncreasing, slope
	case slope < 0:
		return TrendDecreasing, slope
	}
	return TrendStable, slope
}

// DetectCombined runs both detectors for op. Overlapping evidence yields a
// COMBINED detection at the higher of the two severities; a degradation
// alone is surfaced as DEGRADATION; outliers alone alert on the strongest.
func (d *Detector) DetectCombined(ctx context.Context, op string, cfg config.DetectionConfig) (CombinedResult, error) {
	res := CombinedResult{OperationType: op}

	outliers, err := d.DetectStatistical(ctx, op, cfg.StatisticalWindow, cfg.ZThreshold)
	if err != nil {
		return res, err
	}
	deg, err := d.DetectDegradation(ctx, op, cfg.DegradationDays, cfg.DegradationPct)
	if err != nil {
		return res, err
	}
	res.Outliers, res.Degradation = outliers, deg

	strongest := strongestOutlier(outliers)
	features := Features{}
	if strongest != nil {
		features.ZScore = strongest.ZScore
	}
	if deg != nil {
		features.DegradationPct = deg.Detection.DegradationPct
		features.SampleDensity = deg.Confidence
	}
	res.Assessment = d.scorer.Score(features)

	switch {
	case strongest != nil && deg != nil:
		sev := model.MaxSeverity(strongest.Severity, deg.Detection.Severity)
		msg := fmt.Sprintf("%s: %d outlier(s) up to %.1fσ during a %.1f%% p99 degradation (risk %s)",
			op, len(outliers), strongest.ZScore, deg.Detection.DegradationPct, res.Assessment.Level)
		res.Primary = &model.Detection{
			ID:             uuid.NewString(),
			OperationTypes: []string{op},
			Kind:           model.KindCombined,
			Severity:       sev,
			ZScore:         strongest.ZScore,
			DegradationPct: deg.Detection.DegradationPct,
			Confidence:     deg.Confidence,
			Value:          strongest.Value,
			SampleID:       strongest.SampleID,
			Message:        msg,
			DetectedAt:     d.now(),
		}
		res.AlertRequired = true
	case deg != nil:
		primary := deg.Detection
		res.Primary = &primary
		res.AlertRequired = true
	case strongest != nil:
		primary := *strongest
		res.Primary = &primary
	}
	if res.Primary != nil {
		res.Severity = res.Primary.Severity
	}
	return res, nil
}

func strongestOutlier(outliers []model.Detection) *model.Detection {
	var best *model.Detection
	for i := range outliers {
		if best == nil || math.Abs(outliers[i].ZScore) > math.Abs(best.ZScore) {
			best = &outliers[i]
		}
	}
	return best
}

// Run evaluates every operation with samples in the degradation window.
// Detections already recorded within the statistical window are not
// persisted or alerted on again.
func (d *Detector) Run(ctx context.Context) (model.JobReport, error) {
	cfg := d.cfg.Current().Server.Detection
	report := model.JobReport{Job: JobName, StartedAt: d.now()}

	span := time.Duration(cfg.DegradationDays) * 24 * time.Hour
	if cfg.StatisticalWindow > span {
		span = cfg.StatisticalWindow
	}
	ops, err := d.store.OperationTypes(ctx, report.StartedAt.Add(-span))
	if err != nil {
		return report, fmt.Errorf("anomaly: list operations: %w", err)
	}
	recent, err := d.store.Detections(ctx, report.StartedAt.Add(-cfg.StatisticalWindow))
	if err != nil {
		return report, fmt.Errorf("anomaly: load recent detections: %w", err)
	}
	seen := newSeenSet(recent)

	units := make([]model.UnitResult, len(ops))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, op := range ops {
		g.Go(func() error {
			detail, err := d.runOne(ctx, op, cfg, seen)
			units[i] = model.UnitResult{Key: op, Detail: detail}
			if err != nil {
				units[i].Err = err.Error()
				slog.Error("anomaly: detection failed", "operation", op, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Units = units
	report.Finish(d.now())
	return report, nil
}

func (d *Detector) runOne(ctx context.Context, op string, cfg config.DetectionConfig, seen *seenSet) (string, error) {
	ok, err := d.store.ClaimJob(ctx, JobName, op, d.holder, d.now(), d.claimTTL)
	if err != nil {
		return "", fmt.Errorf("anomaly: claim %q: %w", op, err)
	}
	if !ok {
		return "claimed", nil
	}
	defer func() {
		if err := d.store.ReleaseJob(context.WithoutCancel(ctx), JobName, op, d.holder); err != nil {
			slog.Warn("anomaly: release claim", "operation", op, "error", err)
		}
	}()

	res, err := d.DetectCombined(ctx, op, cfg)
	if err != nil {
		return "", err
	}

	persisted := 0
	for _, det := range res.Outliers {
		if seen.sample(det.SampleID) {
			continue
		}
		if err := d.persist(ctx, det); err != nil {
			return "", err
		}
		persisted++
	}
	if res.Degradation != nil && !seen.kind(op, model.KindDegradation) {
		if err := d.persist(ctx, res.Degradation.Detection); err != nil {
			return "", err
		}
		persisted++
	}

	if res.Primary == nil {
		return "clean", nil
	}
	primary := *res.Primary
	switch primary.Kind {
	case model.KindStatisticalOutlier:
		if seen.sample(primary.SampleID) {
			return fmt.Sprintf("%d detection(s), already alerted", persisted), nil
		}
		// Route the stored outlier so its detection row gets linked.
	case model.KindCombined:
		if seen.kind(op, model.KindCombined) {
			return fmt.Sprintf("%d detection(s), already alerted", persisted), nil
		}
		if err := d.persist(ctx, primary); err != nil {
			return "", err
		}
		persisted++
	case model.KindDegradation:
		if seen.kind(op, model.KindDegradation) {
			return fmt.Sprintf("%d detection(s), already alerted", persisted), nil
		}
	}

	if d.router != nil {
		alert, err := d.router.RouteDetection(ctx, primary)
		if err != nil {
			return "", fmt.Errorf("anomaly: route %s for %q: %w", primary.Kind, op, err)
		}
		slog.Info("anomaly: alert raised",
			"operation", op,
			"kind", primary.Kind,
			"severity", alert.Severity,
			"risk", res.Assessment.Level,
			"score", res.Assessment.Score,
		)
	}
	return fmt.Sprintf("%d detection(s), alerted %s", persisted, primary.Kind), nil
}

func (d *Detector) persist(ctx context.Context, det model.Detection) error {
	if err := d.store.InsertDetection(ctx, det); err != nil {
		return fmt.Errorf("anomaly: persist detection: %w", err)
	}
	d.metrics.Detection(string(det.Kind), string(det.Severity))
	return nil
}

// seenSet indexes detections recorded before this run started. It is read
// concurrently and never written after construction.
type seenSet struct {
	samples map[string]bool
	kinds   map[string]bool
}

func newSeenSet(recent []model.Detection) *seenSet {
	s := &seenSet{samples: make(map[string]bool), kinds: make(map[string]bool)}
	for _, det := range recent {
		if det.SampleID != "" && det.Kind == model.KindStatisticalOutlier {
			s.samples[det.SampleID] = true
		}
		s.kinds[det.PrimaryOperation()+"/"+string(det.Kind)] = true
	}
	return s
}

func (s *seenSet) sample(id string) bool { return id != "" && s.samples[id] }

func (s *seenSet) kind(op string, k model.Kind) bool { return s.kinds[op+"/"+string(k)] }

func durations(samples []model.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, smp := range samples {
		out[i] = float64(smp.DurationMicros)
	}
	return out
}
