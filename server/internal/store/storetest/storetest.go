// Package storetest holds the behavioural tests every store.Store
// implementation must pass. Backends call Run from their own _test files.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/store"
)

// Factory returns a fresh, empty store. It should register cleanup on t.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Samples", func(t *testing.T) { testSamples(t, newStore(t)) })
	t.Run("Baselines", func(t *testing.T) { testBaselines(t, newStore(t)) })
	t.Run("JobClaims", func(t *testing.T) { testJobClaims(t, newStore(t)) })
	t.Run("Detections", func(t *testing.T) { testDetections(t, newStore(t)) })
	t.Run("Correlations", func(t *testing.T) { testCorrelations(t, newStore(t)) })
	t.Run("Alerts", func(t *testing.T) { testAlerts(t, newStore(t)) })
	t.Run("Snoozes", func(t *testing.T) { testSnoozes(t, newStore(t)) })
	t.Run("ClaimOrder", func(t *testing.T) { testClaimOrder(t, newStore(t)) })
	t.Run("ClaimConcurrent", func(t *testing.T) { testClaimConcurrent(t, newStore(t)) })
	t.Run("ReleaseAndUpdate", func(t *testing.T) { testReleaseAndUpdate(t, newStore(t)) })
	t.Run("FailStale", func(t *testing.T) { testFailStale(t, newStore(t)) })
	t.Run("Health", func(t *testing.T) { testHealth(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
}

func sample(id, op string, micros int64, end time.Time) model.Sample {
	return model.Sample{
		ID:             id,
		OperationType:  op,
		DurationMicros: micros,
		StartedAt:      end.Add(-time.Duration(micros) * time.Microsecond),
		EndedAt:        end,
		RecordedAt:     end,
		Context:        map[string]string{"branch": "main"},
	}
}

func item(id, dest string, priority int, created time.Time) model.DeliveryItem {
	return model.DeliveryItem{
		ID:             id,
		AlertID:        "alert-" + id,
		DestinationID:  dest,
		Payload:        model.Payload{Title: "t-" + id, Severity: model.SeverityWarning},
		Status:         model.StatusPending,
		MaxAttempts:    3,
		NextEligibleAt: created,
		Priority:       priority,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func testSamples(t *testing.T, st store.Store) {
	ctx := context.Background()
	for i, s := range []model.Sample{
		sample("s3", "merge", 300, base.Add(3*time.Minute)),
		sample("s1", "merge", 100, base.Add(1*time.Minute)),
		sample("s2", "merge", 200, base.Add(2*time.Minute)),
		sample("g1", "get_history", 50, base.Add(-2*time.Hour)),
	} {
		if err := st.AppendSample(ctx, s); err != nil {
			t.Fatalf("AppendSample[%d]: %v", i, err)
		}
	}

	got, err := st.Samples(ctx, "merge", base, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if len(got) != 2 || got[0].ID != "s1" || got[1].ID != "s2" {
		t.Fatalf("Samples [base, base+3m): got %v, want s1 s2 in order", ids(got))
	}
	if got[0].Context["branch"] != "main" {
		t.Errorf("context not round-tripped: %v", got[0].Context)
	}

	ops, err := st.OperationTypes(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("OperationTypes: %v", err)
	}
	if len(ops) != 1 || ops[0] != "merge" {
		t.Errorf("OperationTypes since base-1h: got %v, want [merge]", ops)
	}

	n, err := st.PurgeSamples(ctx, base)
	if err != nil {
		t.Fatalf("PurgeSamples: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeSamples: removed %d, want 1", n)
	}
	all, _ := st.Samples(ctx, "get_history", base.Add(-24*time.Hour), base.Add(24*time.Hour))
	if len(all) != 0 {
		t.Errorf("get_history after purge: got %d samples, want 0", len(all))
	}
}

func ids(samples []model.Sample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.ID
	}
	return out
}

func testBaselines(t *testing.T, st store.Store) {
	ctx := context.Background()
	if _, err := st.ActiveBaseline(ctx, "merge"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("ActiveBaseline on empty store: got %v, want ErrNotFound", err)
	}

	first := model.Baseline{ID: "b1", OperationType: "merge", P50: 1, P75: 2, P90: 3, P95: 4, P99: 100, AlertMultiplier: 2, ComputedAt: base}
	if err := st.ReplaceBaseline(ctx, first, model.BaselineChange{OperationType: "merge", NewID: "b1", NewP99: 100, ChangedAt: base}); err != nil {
		t.Fatalf("ReplaceBaseline(first): %v", err)
	}
	second := first
	second.ID, second.P99 = "b2", 120
	change := model.BaselineChange{OperationType: "merge", PreviousID: "b1", NewID: "b2", PreviousP99: 100, NewP99: 120, DeltaPct: 20, ChangedAt: base.Add(time.Minute)}
	if err := st.ReplaceBaseline(ctx, second, change); err != nil {
		t.Fatalf("ReplaceBaseline(second): %v", err)
	}

	active, err := st.ActiveBaseline(ctx, "merge")
	if err != nil {
		t.Fatalf("ActiveBaseline: %v", err)
	}
	if active.ID != "b2" || !active.Active || active.P99 != 120 {
		t.Errorf("ActiveBaseline: got %+v, want b2 active with p99 120", active)
	}

	list, _ := st.ActiveBaselines(ctx)
	if len(list) != 1 {
		t.Errorf("ActiveBaselines: got %d, want exactly one per operation", len(list))
	}

	hist, err := st.BaselineHistory(ctx, "merge")
	if err != nil {
		t.Fatalf("BaselineHistory: %v", err)
	}
	if len(hist) != 2 || hist[1].DeltaPct != 20 || hist[1].PreviousID != "b1" {
		t.Errorf("BaselineHistory: got %+v", hist)
	}
}

func testJobClaims(t *testing.T, st store.Store) {
	ctx := context.Background()
	ok, err := st.ClaimJob(ctx, "baseline", "merge", "w1", base, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := st.ClaimJob(ctx, "baseline", "merge", "w2", base.Add(10*time.Second), time.Minute); ok {
		t.Error("second holder claimed a live lease")
	}
	if ok, _ := st.ClaimJob(ctx, "baseline", "get_history", "w2", base, time.Minute); !ok {
		t.Error("claim on a different key was refused")
	}
	if ok, _ := st.ClaimJob(ctx, "baseline", "merge", "w2", base.Add(2*time.Minute), time.Minute); !ok {
		t.Error("expired lease was not reclaimable")
	}
	if err := st.ReleaseJob(ctx, "baseline", "merge", "w2"); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}
	if ok, _ := st.ClaimJob(ctx, "baseline", "merge", "w3", base.Add(2*time.Minute), time.Minute); !ok {
		t.Error("released lease was not claimable")
	}
}

func testDetections(t *testing.T, st store.Store) {
	ctx := context.Background()
	d := model.Detection{ID: "d1", OperationTypes: []string{"merge", "commit"}, Kind: model.KindCorrelatedBottleneck,
		Severity: model.SeverityWarning, Correlation: 0.9, Confidence: 1, DetectedAt: base}
	if err := st.InsertDetection(ctx, d); err != nil {
		t.Fatalf("InsertDetection: %v", err)
	}
	if err := st.LinkDetection(ctx, "d1", "a1"); err != nil {
		t.Fatalf("LinkDetection: %v", err)
	}
	if err := st.LinkDetection(ctx, "missing", "a1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("LinkDetection(missing): got %v, want ErrNotFound", err)
	}
	got, err := st.Detections(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Detections: %v", err)
	}
	if len(got) != 1 || got[0].AlertID != "a1" || len(got[0].OperationTypes) != 2 {
		t.Errorf("Detections: got %+v", got)
	}
	if got, _ := st.Detections(ctx, base.Add(time.Minute)); len(got) != 0 {
		t.Errorf("Detections after since: got %d, want 0", len(got))
	}
}

func testCorrelations(t *testing.T, st store.Store) {
	ctx := context.Background()
	if err := st.UpsertCorrelation(ctx, model.CorrelationResult{OperationA: "merge", OperationB: "commit", Coefficient: 0.8, AnalyzedAt: base.Add(-8 * 24 * time.Hour)}); err != nil {
		t.Fatalf("UpsertCorrelation: %v", err)
	}
	// Same pair, reversed: replaces rather than duplicates.
	if err := st.UpsertCorrelation(ctx, model.CorrelationResult{OperationA: "commit", OperationB: "merge", Coefficient: 0.95, AnalyzedAt: base}); err != nil {
		t.Fatalf("UpsertCorrelation(reversed): %v", err)
	}
	if err := st.UpsertCorrelation(ctx, model.CorrelationResult{OperationA: "get", OperationB: "list", Coefficient: 0.8, AnalyzedAt: base.Add(-8 * 24 * time.Hour)}); err != nil {
		t.Fatalf("UpsertCorrelation: %v", err)
	}
	got, _ := st.Correlations(ctx)
	if len(got) != 2 {
		t.Fatalf("Correlations: got %d, want 2", len(got))
	}
	if got[0].OperationA != "commit" || got[0].OperationB != "merge" || got[0].Coefficient != 0.95 {
		t.Errorf("canonical pair: got %+v", got[0])
	}
	n, _ := st.PurgeCorrelations(ctx, base.Add(-7*24*time.Hour))
	if n != 1 {
		t.Errorf("PurgeCorrelations: removed %d, want 1", n)
	}
}

func testAlerts(t *testing.T, st store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		a := model.Alert{ID: fmt.Sprintf("a%d", i), OperationType: "merge", Kind: model.KindThresholdExceeded,
			Severity: model.SeverityWarning, State: model.AlertOpen, CreatedAt: base.Add(time.Duration(i) * 20 * time.Minute)}
		if err := st.InsertAlert(ctx, a); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}
	}
	if err := st.InsertAlert(ctx, model.Alert{ID: "a0"}); err == nil {
		t.Error("InsertAlert with duplicate ID: expected error")
	}
	n, _ := st.CountAlertsSince(ctx, "merge", base.Add(20*time.Minute))
	if n != 2 {
		t.Errorf("CountAlertsSince: got %d, want 2", n)
	}

	a, err := st.Alert(ctx, "a1")
	if err != nil {
		t.Fatalf("Alert: %v", err)
	}
	now := base.Add(time.Hour)
	a.State, a.AcknowledgedAt, a.AcknowledgedBy, a.Notes = model.AlertAcknowledged, &now, "ops", "looking"
	if err := st.UpdateAlert(ctx, a); err != nil {
		t.Fatalf("UpdateAlert: %v", err)
	}
	acked, _ := st.Alerts(ctx, model.AlertAcknowledged)
	if len(acked) != 1 || acked[0].AcknowledgedBy != "ops" || acked[0].AcknowledgedAt == nil {
		t.Errorf("Alerts(ACKNOWLEDGED): got %+v", acked)
	}
	all, _ := st.Alerts(ctx, "")
	if len(all) != 3 || all[0].ID != "a2" {
		t.Errorf("Alerts(all): want newest first, got %d alerts starting %q", len(all), all[0].ID)
	}
	if err := st.UpdateAlert(ctx, model.Alert{ID: "nope"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("UpdateAlert(missing): got %v, want ErrNotFound", err)
	}
}

func testSnoozes(t *testing.T, st store.Store) {
	ctx := context.Background()
	_ = st.InsertSnooze(ctx, model.Snooze{ID: "z1", OperationType: "merge", Kind: "*", ExpiresAt: base.Add(time.Hour), CreatedAt: base})
	_ = st.InsertSnooze(ctx, model.Snooze{ID: "z2", OperationType: "*", Kind: "*", ExpiresAt: base.Add(-time.Minute), CreatedAt: base.Add(-time.Hour)})
	all, _ := st.Snoozes(ctx)
	if len(all) != 2 {
		t.Errorf("Snoozes: got %d, want 2", len(all))
	}
	active, _ := st.ActiveSnoozes(ctx, base)
	if len(active) != 1 || active[0].ID != "z1" {
		t.Errorf("ActiveSnoozes: got %+v, want only z1", active)
	}
}

func testClaimOrder(t *testing.T, st store.Store) {
	ctx := context.Background()
	// Two priority levels; FIFO within a level regardless of insert order.
	for _, it := range []model.DeliveryItem{
		item("low-1", "chat", 21, base),
		item("high-2", "pager", 39, base.Add(2*time.Second)),
		item("high-1", "pager", 39, base.Add(time.Second)),
		item("future", "pager", 39, base),
	} {
		if it.ID == "future" {
			it.NextEligibleAt = base.Add(time.Hour)
		}
		if err := st.EnqueueItem(ctx, it); err != nil {
			t.Fatalf("EnqueueItem: %v", err)
		}
	}
	now := base.Add(time.Minute)
	var order []string
	for {
		it, ok, err := st.ClaimNextItem(ctx, "w", now, time.Minute)
		if err != nil {
			t.Fatalf("ClaimNextItem: %v", err)
		}
		if !ok {
			break
		}
		if it.ClaimedBy != "w" {
			t.Errorf("ClaimedBy: got %q", it.ClaimedBy)
		}
		order = append(order, it.ID)
	}
	want := []string{"high-1", "high-2", "low-1"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("claim order: got %v, want %v", order, want)
	}
	if d, _ := st.PendingDepth(ctx, "pager"); d != 3 {
		t.Errorf("PendingDepth(pager): got %d, want 3", d)
	}
}

func testClaimConcurrent(t *testing.T, st store.Store) {
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		if err := st.EnqueueItem(ctx, item(fmt.Sprintf("i%02d", i), "pager", 30, base.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("EnqueueItem: %v", err)
		}
	}
	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				it, ok, err := st.ClaimNextItem(ctx, worker, base.Add(time.Minute), time.Minute)
				if err != nil {
					t.Errorf("ClaimNextItem(%s): %v", worker, err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := claimed[it.ID]; dup {
					t.Errorf("item %s claimed by %s and %s", it.ID, prev, worker)
				}
				claimed[it.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	if len(claimed) != n {
		t.Errorf("claimed %d distinct items, want %d", len(claimed), n)
	}
}

func testReleaseAndUpdate(t *testing.T, st store.Store) {
	ctx := context.Background()
	_ = st.EnqueueItem(ctx, item("r1", "pager", 30, base))
	it, ok, _ := st.ClaimNextItem(ctx, "w1", base, time.Minute)
	if !ok {
		t.Fatal("ClaimNextItem: nothing claimed")
	}
	if err := st.ReleaseItem(ctx, it.ID, "w2", base); !errors.Is(err, model.ErrAlreadyClaimed) {
		t.Errorf("ReleaseItem by non-holder: got %v, want ErrAlreadyClaimed", err)
	}
	if err := st.ReleaseItem(ctx, it.ID, "w1", base.Add(30*time.Second)); err != nil {
		t.Fatalf("ReleaseItem: %v", err)
	}
	if _, ok, _ := st.ClaimNextItem(ctx, "w2", base.Add(10*time.Second), time.Minute); ok {
		t.Error("released item claimable before its next eligible time")
	}
	it, ok, _ = st.ClaimNextItem(ctx, "w2", base.Add(30*time.Second), time.Minute)
	if !ok || it.ClaimedBy != "w2" {
		t.Fatalf("ClaimNextItem after release: ok=%v item=%+v", ok, it)
	}

	it.Status = model.StatusDelivered
	it.Attempts = 1
	it.UpdatedAt = base.Add(time.Minute)
	if err := st.UpdateItem(ctx, it); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	got, err := st.Item(ctx, it.ID)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if got.Status != model.StatusDelivered || got.ClaimedBy != "" || got.Payload.Title != "t-r1" {
		t.Errorf("Item after update: got %+v", got)
	}
	delivered, _ := st.Items(ctx, model.StatusDelivered)
	if len(delivered) != 1 {
		t.Errorf("Items(delivered): got %d, want 1", len(delivered))
	}
	if _, err := st.Item(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Item(missing): got %v, want ErrNotFound", err)
	}
}

func testFailStale(t *testing.T, st store.Store) {
	ctx := context.Background()
	old := item("old", "pager", 30, base)
	held := item("held", "pager", 30, base)
	fresh := item("fresh", "pager", 30, base.Add(25*time.Minute))
	done := item("done", "pager", 30, base)
	done.Status = model.StatusDelivered
	for _, it := range []model.DeliveryItem{old, held, fresh, done} {
		_ = st.EnqueueItem(ctx, it)
	}
	now := base.Add(31 * time.Minute)
	// Claim "held" (or "old"); whichever is claimed must be skipped.
	claimed, ok, _ := st.ClaimNextItem(ctx, "w", now, time.Minute)
	if !ok {
		t.Fatal("ClaimNextItem: nothing claimed")
	}

	failed, err := st.FailStale(ctx, now.Add(-30*time.Minute), now)
	if err != nil {
		t.Fatalf("FailStale: %v", err)
	}
	if len(failed) != 1 || failed[0].ID == claimed.ID {
		t.Fatalf("FailStale: got %v, want the one unclaimed old item", failed)
	}
	if failed[0].Status != model.StatusFailed || failed[0].FailureReason != model.ReasonStale {
		t.Errorf("stale item: got status=%s reason=%s", failed[0].Status, failed[0].FailureReason)
	}
	// Idempotent: a second pass finds nothing new.
	again, _ := st.FailStale(ctx, now.Add(-30*time.Minute), now)
	if len(again) != 0 {
		t.Errorf("second FailStale: got %d items, want 0", len(again))
	}
}

func testHealth(t *testing.T, st store.Store) {
	ctx := context.Background()
	if _, err := st.Health(ctx, "pager"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Health on empty store: got %v, want ErrNotFound", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.UpdateHealth(ctx, "pager", func(h *model.DestinationHealth) {
				h.FailureCount++
				h.ConsecutiveFailures++
				h.Window = append(h.Window, model.Outcome{Success: false, LatencyMs: 12, At: base})
			})
			if err != nil {
				t.Errorf("UpdateHealth: %v", err)
			}
		}()
	}
	wg.Wait()
	h, err := st.Health(ctx, "pager")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.FailureCount != 50 || h.ConsecutiveFailures != 50 || len(h.Window) != 50 {
		t.Errorf("concurrent updates lost: failures=%d consecutive=%d window=%d",
			h.FailureCount, h.ConsecutiveFailures, len(h.Window))
	}
	all, _ := st.Healths(ctx)
	if len(all) != 1 || all[0].DestinationID != "pager" {
		t.Errorf("Healths: got %+v", all)
	}
}

func testAudit(t *testing.T, st store.Store) {
	ctx := context.Background()
	_ = st.AppendRateChange(ctx, model.RateChange{DestinationID: "pager", PreviousRate: 1, NewRate: 0.1, Reason: "circuit_breaker", ChangedAt: base})
	_ = st.AppendRateChange(ctx, model.RateChange{DestinationID: "chat", PreviousRate: 1, NewRate: 1.05, Reason: "recovery", ChangedAt: base})
	if got, _ := st.RateChanges(ctx, "pager"); len(got) != 1 || got[0].Reason != "circuit_breaker" {
		t.Errorf("RateChanges(pager): got %+v", got)
	}
	if got, _ := st.RateChanges(ctx, ""); len(got) != 2 {
		t.Errorf("RateChanges(all): got %d, want 2", len(got))
	}
	_ = st.AppendBackpressure(ctx, model.BackpressureSignal{DestinationID: "pager", Depth: 92, Limit: 100, Utilization: 0.92, Action: model.ActionRejectNew, RecordedAt: base})
	sig, _ := st.BackpressureSignals(ctx, "pager")
	if len(sig) != 1 || sig[0].Action != model.ActionRejectNew || sig[0].AcceptanceRate != 0 {
		t.Errorf("BackpressureSignals: got %+v", sig)
	}
}
