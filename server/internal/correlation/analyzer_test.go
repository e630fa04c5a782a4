package correlation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/store"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

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
	return model.Alert{ID: "a-" + d.ID}, nil
}

func newAnalyzer(t *testing.T, router Router) (*Analyzer, *store.Memory) {
	t.Helper()
	st := store.NewMemory(7 * 24 * time.Hour)
	a := New(st, config.NewHolder(config.Defaults()), router, nil, "test")
	a.now = fixedClock(base)
	return a, st
}

// putSeries stores one sample per minute for the last len(values) minutes,
// oldest first.
func putSeries(t *testing.T, st store.Store, op string, values []float64) {
	t.Helper()
	n := len(values)
	for i, v := range values {
		end := base.Add(-time.Duration(n-i)*time.Minute + 30*time.Second)
		err := st.AppendSample(context.Background(), model.Sample{
			ID: fmt.Sprintf("%s-%d", op, i), OperationType: op, DurationMicros: int64(v),
			StartedAt: end.Add(-time.Millisecond), EndedAt: end,
		})
		if err != nil {
			t.Fatalf("AppendSample: %v", err)
		}
	}
}

// wave returns n points of a slow oscillation around center.
func wave(n int, center, amplitude float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = center + amplitude*math.Sin(float64(i)/5)
	}
	return out
}

func TestClassify_RuleTable(t *testing.T) {
	cases := []struct {
		a, b string
		want string
	}{
		{"rollback_commit", "get_history", CategoryTransactionLog},
		{"search", "revert", CategoryTransactionLog},
		{"undo_merge", "merge", CategoryTransactionLog}, // rollback family wins over merge
		{"merge", "get_history", CategoryMergePipeline},
		{"list_refs", "cherry_pick", CategoryMergePipeline},
		{"commit", "write_blob", CategoryStorageIO},
		{"save_config", "delete_branch", CategoryStorageIO},
		{"get_history", "list_branches", CategoryCachePressure},
		{"Diff", "log", CategoryCachePressure},
		{"commit", "get_history", CategoryGenericResource},
		{"auth", "billing", CategoryGenericResource},
	}
	for _, tc := range cases {
		t.Run(tc.a+"~"+tc.b, func(t *testing.T) {
			got, remediation := Classify(tc.a, tc.b)
			if got != tc.want {
				t.Errorf("Classify(%q, %q): got %s, want %s", tc.a, tc.b, got, tc.want)
			}
			if remediation == "" {
				t.Error("empty remediation")
			}
		})
	}
}

func TestDetectCorrelatedDegradation_Lockstep(t *testing.T) {
	a, st := newAnalyzer(t, nil)
	series := wave(90, 20_000, 5_000)
	putSeries(t, st, "merge", series)
	doubled := make([]float64, len(series))
	for i, v := range series {
		doubled[i] = 2*v + float64(i%3)*200 // near-lockstep with a little noise
	}
	putSeries(t, st, "commit", doubled)

	res, err := a.DetectCorrelatedDegradation(context.Background(), "merge", "commit")
	if err != nil {
		t.Fatalf("DetectCorrelatedDegradation: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	if res.OperationA != "commit" || res.OperationB != "merge" {
		t.Errorf("pair not canonical: %s, %s", res.OperationA, res.OperationB)
	}
	if res.Coefficient < 0.95 {
		t.Errorf("coefficient: got %.3f, want >= 0.95", res.Coefficient)
	}
	if res.AlignedBuckets != 90 || res.Confidence != 1.0 {
		t.Errorf("aligned=%d confidence=%v, want 90 and 1.0", res.AlignedBuckets, res.Confidence)
	}
	if res.Category != CategoryMergePipeline || res.Remediation == "" {
		t.Errorf("category: got %q", res.Category)
	}
}

func TestDetectCorrelatedDegradation_TooFewBuckets(t *testing.T) {
	a, st := newAnalyzer(t, nil)
	putSeries(t, st, "get_a", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9})
	putSeries(t, st, "get_b", []float64{2, 4, 6, 8, 10, 12, 14, 16, 18})

	res, err := a.DetectCorrelatedDegradation(context.Background(), "get_a", "get_b")
	if err != nil || res != nil {
		t.Errorf("9 perfectly correlated buckets: got %+v err=%v, want nil", res, err)
	}
}

func TestDetectCorrelatedDegradation_PartialConfidence(t *testing.T) {
	a, st := newAnalyzer(t, nil)
	series := wave(30, 1000, 300)
	putSeries(t, st, "get_a", series)
	putSeries(t, st, "get_b", series)

	res, _ := a.DetectCorrelatedDegradation(context.Background(), "get_a", "get_b")
	if res == nil || res.Confidence != 0.5 {
		t.Fatalf("30 buckets: got %+v, want confidence 0.5", res)
	}
	if res.Category != CategoryCachePressure {
		t.Errorf("category: got %s", res.Category)
	}
}

func TestAnalyze(t *testing.T) {
	router := &stubRouter{}
	a, st := newAnalyzer(t, router)
	ctx := context.Background()

	series := wave(70, 20_000, 5_000)
	putSeries(t, st, "merge", series)
	putSeries(t, st, "commit", series)
	flat := make([]float64, 70)
	for i := range flat {
		flat[i] = 500 + float64((i*7919)%13)*10 // unrelated jitter
	}
	putSeries(t, st, "get_history", flat)

	// A stale result that the pass must purge first.
	if err := st.UpsertCorrelation(ctx, model.CorrelationResult{OperationA: "x", OperationB: "y", AnalyzedAt: base.Add(-8 * 24 * time.Hour)}); err != nil {
		t.Fatalf("UpsertCorrelation: %v", err)
	}

	report, err := a.Analyze(ctx)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if report.Status != model.JobSuccess || len(report.Units) != 3 {
		t.Errorf("report: %+v", report)
	}

	results, _ := st.Correlations(ctx)
	if len(results) != 1 || results[0].OperationA != "commit" || results[0].OperationB != "merge" {
		t.Fatalf("correlations: %+v", results)
	}
	if len(router.routed) != 1 {
		t.Fatalf("routed: got %d detections, want 1", len(router.routed))
	}
	det := router.routed[0]
	if det.Kind != model.KindCorrelatedBottleneck || det.Severity != model.SeverityCritical {
		t.Errorf("detection: kind=%s severity=%s", det.Kind, det.Severity)
	}

	// A second pass refreshes the result without alerting again.
	if _, err := a.Analyze(ctx); err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if len(router.routed) != 1 {
		t.Errorf("second pass re-alerted: %d", len(router.routed))
	}
}

func TestAnalyze_PairsFanOut(t *testing.T) {
	router := &stubRouter{}
	a, st := newAnalyzer(t, router)
	a.concurrency = 2
	ctx := context.Background()

	// Three lockstep operations and two unrelated ones.
	series := wave(70, 20_000, 5_000)
	for _, op := range []string{"commit", "merge", "push"} {
		putSeries(t, st, op, series)
	}
	for i, op := range []string{"blame", "diff"} {
		noise := make([]float64, 70)
		for j := range noise {
			noise[j] = 500 + float64((j*(7919+i*104729))%17)*10
		}
		putSeries(t, st, op, noise)
	}

	report, err := a.Analyze(ctx)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	ops, _ := st.OperationTypes(ctx, base.Add(-time.Hour))
	var want []string
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			want = append(want, ops[i]+"~"+ops[j])
		}
	}
	if len(report.Units) != len(want) {
		t.Fatalf("units = %d, want %d", len(report.Units), len(want))
	}
	for i, u := range report.Units {
		if u.Key != want[i] {
			t.Errorf("unit %d = %q, want %q", i, u.Key, want[i])
		}
		if u.Err != "" {
			t.Errorf("unit %s failed: %s", u.Key, u.Err)
		}
	}
	if len(router.routed) != 3 {
		t.Errorf("routed %d detections, want one per lockstep pair", len(router.routed))
	}
}

func TestAnalyze_ClaimHeldElsewhere(t *testing.T) {
	router := &stubRouter{}
	a, st := newAnalyzer(t, router)
	ctx := context.Background()
	series := wave(70, 20_000, 5_000)
	putSeries(t, st, "merge", series)
	putSeries(t, st, "commit", series)

	if ok, _ := st.ClaimJob(ctx, JobName, claimKey, "other", base, time.Hour); !ok {
		t.Fatal("setup claim failed")
	}
	report, err := a.Analyze(ctx)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(report.Units) != 0 || len(router.routed) != 0 {
		t.Errorf("loser did work: units=%d routed=%d", len(report.Units), len(router.routed))
	}
}
