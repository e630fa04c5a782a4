package anomaly

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/store"
)

var base = time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

type stubRouter struct {
	mu     sync.Mutex
	routed []model.Detection
}

func (r *stubRouter) RouteDetection(_ context.Context, d model.Detection) (model.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, d)
	return model.Alert{ID: "alert-" + d.ID, Severity: d.Severity, Kind: d.Kind}, nil
}

func newDetector(t *testing.T, router Router) (*Detector, *store.Memory) {
	t.Helper()
	st := store.NewMemory(30 * 24 * time.Hour)
	det := New(st, config.NewHolder(config.Defaults()), router, nil, nil, "test")
	det.now = fixedClock(base)
	return det, st
}

func put(t *testing.T, st store.Store, id, op string, micros int64, end time.Time) {
	t.Helper()
	err := st.AppendSample(context.Background(), model.Sample{
		ID: id, OperationType: op, DurationMicros: micros,
		StartedAt: end.Add(-time.Duration(micros) * time.Microsecond), EndedAt: end, RecordedAt: end,
	})
	if err != nil {
		t.Fatalf("AppendSample: %v", err)
	}
}

// seedGetHistory stores 25 samples around 25ms and one 300ms sample, all in
// the last hour.
func seedGetHistory(t *testing.T, st store.Store) {
	t.Helper()
	for i := 0; i < 25; i++ {
		put(t, st, fmt.Sprintf("gh-%02d", i), "get_history", 25_000+int64(i%5-2)*500, base.Add(-time.Duration(50-i)*time.Minute))
	}
	put(t, st, "gh-slow", "get_history", 300_000, base.Add(-10*time.Minute))
}

// seedDegradation stores ten 1ms samples in the older half of a 7-day window
// and ten 1.5ms samples in the newer half.
func seedDegradation(t *testing.T, st store.Store, op string) {
	t.Helper()
	from := base.Add(-7 * 24 * time.Hour)
	for k := 0; k < 10; k++ {
		put(t, st, fmt.Sprintf("%s-old-%d", op, k), op, 1000, from.Add(time.Duration(k)*8*time.Hour+time.Minute))
		put(t, st, fmt.Sprintf("%s-new-%d", op, k), op, 1500, from.Add(90*time.Hour+time.Duration(k)*7*time.Hour))
	}
}

func TestDetectStatistical_FewerThanFiveSamples(t *testing.T) {
	det, st := newDetector(t, nil)
	for i, v := range []int64{100, 100, 100, 10_000_000} {
		put(t, st, fmt.Sprint(i), "merge", v, base.Add(-time.Duration(i+1)*time.Minute))
	}
	got, err := det.DetectStatistical(context.Background(), "merge", time.Hour, 3.0)
	if err != nil {
		t.Fatalf("DetectStatistical: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("4 samples with an extreme value: got %d detections, want 0", len(got))
	}
}

func TestDetectStatistical_ZeroVariance(t *testing.T) {
	det, st := newDetector(t, nil)
	for i := 0; i < 10; i++ {
		put(t, st, fmt.Sprint(i), "merge", 100, base.Add(-time.Duration(i+1)*time.Minute))
	}
	got, _ := det.DetectStatistical(context.Background(), "merge", time.Hour, 3.0)
	if len(got) != 0 {
		t.Errorf("constant samples: got %d detections, want 0", len(got))
	}
}

func TestDetectStatistical_GetHistoryOutlier(t *testing.T) {
	det, st := newDetector(t, nil)
	seedGetHistory(t, st)

	got, err := det.DetectStatistical(context.Background(), "get_history", time.Hour, 3.0)
	if err != nil {
		t.Fatalf("DetectStatistical: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d detections, want exactly 1", len(got))
	}
	d := got[0]
	if d.SampleID != "gh-slow" || d.Severity != model.SeverityCritical || d.Kind != model.KindStatisticalOutlier {
		t.Errorf("detection: sample=%s severity=%s kind=%s", d.SampleID, d.Severity, d.Kind)
	}
	if d.ZScore < 4 {
		t.Errorf("z-score: got %.2f, want >= 4", d.ZScore)
	}
}

func TestDetectDegradation(t *testing.T) {
	det, st := newDetector(t, nil)
	seedDegradation(t, st, "commit")
	ctx := context.Background()

	got, err := det.DetectDegradation(ctx, "commit", 7, 20)
	if err != nil {
		t.Fatalf("DetectDegradation: %v", err)
	}
	if got == nil {
		t.Fatal("expected a degradation")
	}
	if got.FirstP99 != 1000 || got.SecondP99 != 1500 || got.Detection.DegradationPct != 50 {
		t.Errorf("p99s: %v → %v (%.1f%%)", got.FirstP99, got.SecondP99, got.Detection.DegradationPct)
	}
	if got.Detection.Severity != model.SeverityCritical {
		t.Errorf("50%% against a 20%% threshold: got %s, want CRITICAL", got.Detection.Severity)
	}
	if got.Trend != TrendIncreasing || got.Slope <= 0 {
		t.Errorf("trend: got %s (slope %.2f), want increasing", got.Trend, got.Slope)
	}
	wantConf := 20.0 / (7 * 24)
	if got.Confidence != wantConf {
		t.Errorf("confidence: got %v, want %v", got.Confidence, wantConf)
	}

	warn, _ := det.DetectDegradation(ctx, "commit", 7, 30)
	if warn == nil || warn.Detection.Severity != model.SeverityWarning {
		t.Errorf("50%% against a 30%% threshold: got %+v, want WARNING", warn)
	}
	if none, _ := det.DetectDegradation(ctx, "commit", 7, 60); none != nil {
		t.Errorf("50%% against a 60%% threshold: got %+v, want nil", none)
	}
}

func TestDetectDegradation_SparseHalves(t *testing.T) {
	det, st := newDetector(t, nil)
	for i := 0; i < 10; i++ {
		put(t, st, fmt.Sprint(i), "merge", int64(100+i*100), base.Add(-time.Duration(i+1)*time.Hour))
	}
	got, err := det.DetectDegradation(context.Background(), "merge", 7, 20)
	if err != nil || got != nil {
		t.Errorf("empty older half: got %+v err=%v, want nil", got, err)
	}
}

func TestDetectCombined(t *testing.T) {
	ctx := context.Background()

	t.Run("overlap escalates to max severity", func(t *testing.T) {
		det, st := newDetector(t, nil)
		seedDegradation(t, st, "merge")
		for i := 0; i < 20; i++ {
			put(t, st, fmt.Sprintf("m-%d", i), "merge", 1500, base.Add(-time.Duration(i+2)*time.Minute))
		}
		put(t, st, "m-spike", "merge", 50_000, base.Add(-time.Minute))

		cfg := config.DetectionConfig{StatisticalWindow: time.Hour, ZThreshold: 3, DegradationDays: 7, DegradationPct: 2000}
		res, err := det.DetectCombined(ctx, "merge", cfg)
		if err != nil {
			t.Fatalf("DetectCombined: %v", err)
		}
		if res.Degradation == nil || res.Degradation.Detection.Severity != model.SeverityWarning {
			t.Fatalf("degradation: %+v", res.Degradation)
		}
		if res.Primary == nil || res.Primary.Kind != model.KindCombined {
			t.Fatalf("primary: %+v", res.Primary)
		}
		if res.Severity != model.SeverityCritical || !res.AlertRequired {
			t.Errorf("severity=%s alertRequired=%v, want CRITICAL true", res.Severity, res.AlertRequired)
		}
		if res.Assessment.Score <= 0 || res.Assessment.Level == "" {
			t.Errorf("assessment not populated: %+v", res.Assessment)
		}
	})

	t.Run("degradation only is surfaced", func(t *testing.T) {
		det, st := newDetector(t, nil)
		seedDegradation(t, st, "commit")
		res, _ := det.DetectCombined(ctx, "commit", config.Defaults().Server.Detection)
		if res.Primary == nil || res.Primary.Kind != model.KindDegradation || !res.AlertRequired {
			t.Errorf("got primary=%+v alertRequired=%v", res.Primary, res.AlertRequired)
		}
		if len(res.Outliers) != 0 {
			t.Errorf("outliers: got %d, want 0", len(res.Outliers))
		}
	})

	t.Run("outliers only alert on strongest", func(t *testing.T) {
		det, st := newDetector(t, nil)
		seedGetHistory(t, st)
		res, _ := det.DetectCombined(ctx, "get_history", config.Defaults().Server.Detection)
		if res.Primary == nil || res.Primary.SampleID != "gh-slow" || res.AlertRequired {
			t.Errorf("got primary=%+v alertRequired=%v", res.Primary, res.AlertRequired)
		}
	})

	t.Run("nothing found", func(t *testing.T) {
		det, _ := newDetector(t, nil)
		res, err := det.DetectCombined(ctx, "merge", config.Defaults().Server.Detection)
		if err != nil || res.Primary != nil || res.AlertRequired {
			t.Errorf("got %+v err=%v", res, err)
		}
	})
}

func TestRun_PersistsAndRoutesOnce(t *testing.T) {
	router := &stubRouter{}
	det, st := newDetector(t, router)
	seedGetHistory(t, st)
	ctx := context.Background()

	report, err := det.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != model.JobSuccess || len(report.Units) != 1 {
		t.Errorf("report: %+v", report)
	}
	if len(router.routed) != 1 || router.routed[0].SampleID != "gh-slow" {
		t.Fatalf("routed: %+v", router.routed)
	}
	stored, _ := st.Detections(ctx, base.Add(-time.Hour))
	if len(stored) != 1 {
		t.Fatalf("stored detections: got %d, want 1", len(stored))
	}

	if _, err := det.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(router.routed) != 1 {
		t.Errorf("second run re-alerted: %d routed", len(router.routed))
	}
	if stored, _ := st.Detections(ctx, base.Add(-time.Hour)); len(stored) != 1 {
		t.Errorf("second run re-persisted: %d detections", len(stored))
	}
}

func TestHeuristicScorer(t *testing.T) {
	cases := []struct {
		name  string
		in    Features
		score float64
		level string
	}{
		{"no evidence", Features{}, 0, RiskLow},
		{"saturated z only", Features{ZScore: -9}, 40, RiskMedium},
		{"z and degradation", Features{ZScore: 6, DegradationPct: 100}, 70, RiskHigh},
		{"everything", Features{ZScore: 6, DegradationPct: 150, Correlation: 0.95, SampleDensity: 1}, 99, RiskCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := HeuristicScorer{}.Score(tc.in)
			if diff := got.Score - tc.score; diff > 0.001 || diff < -0.001 {
				t.Errorf("score: got %.3f, want %.3f", got.Score, tc.score)
			}
			if got.Level != tc.level {
				t.Errorf("level: got %s, want %s", got.Level, tc.level)
			}
		})
	}
}
