package shaper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/store"
)

func pager() config.Destination {
	return config.Destination{
		ID:          "pager",
		Type:        "pagerduty",
		Criticality: 9,
		BaseRate:    1,
		MinRate:     0.05,
		MaxRate:     5,
		Capacity:    2,
		MaxPending:  100,
	}
}

func newShaper(t *testing.T, dests ...config.Destination) (*Shaper, *store.Memory) {
	t.Helper()
	cfg := config.Defaults()
	if len(dests) == 0 {
		dests = []config.Destination{pager()}
	}
	cfg.Server.Destinations = dests
	st := store.NewMemory(config.DefaultSampleRetention)
	s := New(st, NewLocalBucket(time.Minute), config.NewHolder(cfg), nil, "test")
	s.now = fixedClock(base)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return s, st
}

func enqueue(t *testing.T, st store.Store, dest string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := st.EnqueueItem(context.Background(), model.DeliveryItem{
			ID:            fmt.Sprintf("%s-%03d", dest, i),
			AlertID:       "a1",
			DestinationID: dest,
			Status:        model.StatusPending,
			MaxAttempts:   3,
			Priority:      20,
			CreatedAt:     base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("EnqueueItem: %v", err)
		}
	}
}

func TestAdmit_RejectsNewAbove90Percent(t *testing.T) {
	s, st := newShaper(t)
	ctx := context.Background()
	enqueue(t, st, "pager", 92)

	for i := 0; i < 2; i++ {
		a, err := s.Admit(ctx, "pager")
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if a.Action != model.ActionRejectNew || a.Admitted || a.AcceptanceRate != 0 {
			t.Fatalf("Admit = %+v, want reject_new with acceptance 0", a)
		}
		if a.Depth != 92 || a.Limit != 100 || a.Utilization != 0.92 {
			t.Errorf("depth/limit/utilization = %d/%d/%v, want 92/100/0.92", a.Depth, a.Limit, a.Utilization)
		}
	}

	sigs, err := st.BackpressureSignals(ctx, "pager")
	if err != nil {
		t.Fatalf("BackpressureSignals: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("signals = %d, want one per reject_new decision", len(sigs))
	}
	if sigs[0].Action != model.ActionRejectNew || sigs[0].AcceptanceRate != 0 {
		t.Errorf("signal = %+v", sigs[0])
	}
}

func TestAdmit_Tiers(t *testing.T) {
	cases := []struct {
		depth        int
		wantAction   string
		wantAdmitted []bool
		wantFlagged  bool
	}{
		{10, model.ActionAccept, []bool{true, true, true}, false},
		{75, model.ActionWarn, []bool{true, true, true}, true},
		{85, model.ActionThrottle, []bool{true, false, true}, false},
		{90, model.ActionRejectNew, []bool{false, false, false}, false},
	}
	for _, tc := range cases {
		t.Run(tc.wantAction, func(t *testing.T) {
			s, st := newShaper(t)
			ctx := context.Background()
			enqueue(t, st, "pager", tc.depth)

			for i, want := range tc.wantAdmitted {
				a, err := s.Admit(ctx, "pager")
				if err != nil {
					t.Fatalf("Admit: %v", err)
				}
				if a.Action != tc.wantAction {
					t.Fatalf("Action = %q, want %q", a.Action, tc.wantAction)
				}
				if a.Admitted != want {
					t.Errorf("call %d: Admitted = %v, want %v", i, a.Admitted, want)
				}
				if a.Flagged != tc.wantFlagged {
					t.Errorf("Flagged = %v, want %v", a.Flagged, tc.wantFlagged)
				}
			}
		})
	}
}

func TestAdmit_SignalsOnTransitionOnly(t *testing.T) {
	s, st := newShaper(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Admit(ctx, "pager"); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}
	enqueue(t, st, "pager", 80)
	for i := 0; i < 3; i++ {
		if _, err := s.Admit(ctx, "pager"); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}

	sigs, err := st.BackpressureSignals(ctx, "pager")
	if err != nil {
		t.Fatalf("BackpressureSignals: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Action != model.ActionThrottle {
		t.Fatalf("signals = %+v, want a single accept→throttle transition", sigs)
	}
}

func TestAdmit_ScalesLimitWithHealth(t *testing.T) {
	s, st := newShaper(t)
	ctx := context.Background()
	enqueue(t, st, "pager", 46)

	// Five straight failures classify the destination unavailable.
	for i := 0; i < 5; i++ {
		if _, err := s.RecordOutcome(ctx, "pager", false, 10*time.Millisecond); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}
	a, err := s.Admit(ctx, "pager")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if a.Limit != 25 {
		t.Errorf("Limit = %d, want 25 for an unavailable destination", a.Limit)
	}
	if a.Action != model.ActionRejectNew {
		t.Errorf("Action = %q, want reject_new at 46/25", a.Action)
	}
}

func TestAdmit_UnknownDestination(t *testing.T) {
	s, _ := newShaper(t)
	if _, err := s.Admit(context.Background(), "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRecordOutcome(t *testing.T) {
	s, st := newShaper(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.RecordOutcome(ctx, "pager", false, 20*time.Millisecond); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}
	h, err := s.RecordOutcome(ctx, "pager", true, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want reset to 0", h.ConsecutiveFailures)
	}
	if h.SuccessCount != 1 || h.FailureCount != 3 {
		t.Errorf("counts = %d/%d, want 1/3", h.SuccessCount, h.FailureCount)
	}
	if !h.UpdatedAt.Equal(base) {
		t.Errorf("UpdatedAt = %v, want %v", h.UpdatedAt, base)
	}

	stored, err := st.Health(ctx, "pager")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if len(stored.Window) != 4 {
		t.Errorf("stored window = %d outcomes, want 4", len(stored.Window))
	}
}

func TestComputeAdaptiveRate(t *testing.T) {
	ctx := context.Background()

	t.Run("recovery within 5% is not committed", func(t *testing.T) {
		s, st := newShaper(t)
		dec, err := s.ComputeAdaptiveRate(ctx, "pager", false)
		if err != nil {
			t.Fatalf("ComputeAdaptiveRate: %v", err)
		}
		if dec.Reason != ReasonRecovery || dec.Committed {
			t.Fatalf("decision = %+v, want uncommitted recovery", dec)
		}
		changes, _ := st.RateChanges(ctx, "pager")
		if len(changes) != 0 {
			t.Errorf("rate changes = %d, want 0", len(changes))
		}
	})

	t.Run("force commits", func(t *testing.T) {
		s, st := newShaper(t)
		dec, err := s.ComputeAdaptiveRate(ctx, "pager", true)
		if err != nil {
			t.Fatalf("ComputeAdaptiveRate: %v", err)
		}
		if !dec.Committed || dec.New != 1.05 {
			t.Fatalf("decision = %+v, want committed 1.05", dec)
		}
		changes, _ := st.RateChanges(ctx, "pager")
		if len(changes) != 1 || !changes[0].Forced || changes[0].PreviousRate != 1 {
			t.Errorf("rate changes = %+v", changes)
		}
		state, err := s.State(ctx, "pager")
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if state.CurrentRate != 1.05 {
			t.Errorf("bucket rate = %v, want 1.05", state.CurrentRate)
		}
	})

	t.Run("circuit breaker then gradual rise", func(t *testing.T) {
		s, _ := newShaper(t)
		for i := 0; i < 5; i++ {
			if _, err := s.RecordOutcome(ctx, "pager", false, 10*time.Millisecond); err != nil {
				t.Fatalf("RecordOutcome: %v", err)
			}
		}
		dec, err := s.ComputeAdaptiveRate(ctx, "pager", false)
		if err != nil {
			t.Fatalf("ComputeAdaptiveRate: %v", err)
		}
		if dec.Reason != ReasonCircuitBreaker || !dec.Committed || dec.New != 0.1 {
			t.Fatalf("decision = %+v, want committed circuit_breaker at 0.1", dec)
		}

		// One success ends the streak but 1/6 is a low success rate.
		if _, err := s.RecordOutcome(ctx, "pager", true, 10*time.Millisecond); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
		dec, err = s.ComputeAdaptiveRate(ctx, "pager", false)
		if err != nil {
			t.Fatalf("ComputeAdaptiveRate: %v", err)
		}
		// The target is 0.7 but the rise is a single step.
		if dec.Reason != ReasonLowSuccess || !dec.Committed || dec.Previous != 0.1 || dec.Target != 0.7 {
			t.Fatalf("decision = %+v, want committed low_success_rate step toward 0.7", dec)
		}
		if math.Abs(dec.New-0.105) > 1e-9 {
			t.Errorf("New = %v, want 0.105", dec.New)
		}
	})

	t.Run("clamped to min", func(t *testing.T) {
		d := pager()
		d.MinRate = 0.5
		s, _ := newShaper(t, d)
		for i := 0; i < 5; i++ {
			if _, err := s.RecordOutcome(ctx, "pager", false, 10*time.Millisecond); err != nil {
				t.Fatalf("RecordOutcome: %v", err)
			}
		}
		dec, err := s.ComputeAdaptiveRate(ctx, "pager", false)
		if err != nil {
			t.Fatalf("ComputeAdaptiveRate: %v", err)
		}
		if dec.New != 0.5 {
			t.Errorf("New = %v, want clamp to 0.5", dec.New)
		}
	})

	t.Run("unknown destination", func(t *testing.T) {
		s, _ := newShaper(t)
		if _, err := s.ComputeAdaptiveRate(ctx, "ghost", false); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})
}

func TestComputeAdaptiveRate_RecoveryIsGradual(t *testing.T) {
	s, st := newShaper(t)
	ctx := context.Background()
	if err := s.bucket.SetRate(ctx, "pager", 0.1, base); err != nil {
		t.Fatalf("SetRate: %v", err)
	}

	prev := 0.1
	for i := 0; i < 60; i++ {
		dec, err := s.ComputeAdaptiveRate(ctx, "pager", false)
		if err != nil {
			t.Fatalf("run %d: ComputeAdaptiveRate: %v", i, err)
		}
		if dec.Reason != ReasonRecovery {
			t.Fatalf("run %d: reason = %q, want %q", i, dec.Reason, ReasonRecovery)
		}
		if dec.New > prev*recoveryStep+1e-9 {
			t.Fatalf("run %d: rate jumped %v -> %v", i, prev, dec.New)
		}
		if dec.New > 1.05+1e-9 {
			t.Fatalf("run %d: rate %v overshot the recovery target", i, dec.New)
		}
		if dec.Committed {
			prev = dec.New
		}
	}
	if prev < 1 {
		t.Errorf("rate after 60 runs = %v, want recovered to at least base", prev)
	}

	changes, _ := st.RateChanges(ctx, "pager")
	if len(changes) < 40 {
		t.Fatalf("rate changes = %d, want one per recovery step", len(changes))
	}
	if first := changes[0]; first.PreviousRate != 0.1 || math.Abs(first.NewRate-0.105) > 1e-9 {
		t.Errorf("first change = %+v, want 0.1 -> 0.105", first)
	}
}

func TestNextRate(t *testing.T) {
	cases := []struct {
		name            string
		current, target float64
		want            float64
	}{
		{"drop applies at once", 1, 0.1, 0.1},
		{"rise is one step", 0.1, 1.05, 0.105},
		{"rise stops at target", 1.02, 1.05, 1.05},
		{"unset rate takes target", 0, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextRate(tc.current, tc.target); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("nextRate(%v, %v) = %v, want %v", tc.current, tc.target, got, tc.want)
			}
		})
	}
}

func TestAdaptiveRate_FirstMatchWins(t *testing.T) {
	ceiling := 2 * time.Second
	cases := []struct {
		name   string
		health model.DestinationHealth
		want   float64
		reason string
	}{
		{"streak beats everything", model.DestinationHealth{ConsecutiveFailures: 5, Classification: model.HealthUnavailable, LatencyP99: 9000}, 0.1, ReasonCircuitBreaker},
		{"degraded", model.DestinationHealth{SuccessCount: 99, FailureCount: 1, ConsecutiveFailures: 1, Classification: model.HealthDegraded}, 0.8, ReasonDegraded},
		{"low success", model.DestinationHealth{SuccessCount: 90, FailureCount: 10, Classification: model.HealthHealthy}, 0.7, ReasonLowSuccess},
		{"slow", model.DestinationHealth{SuccessCount: 10, LatencyP99: 2500, Classification: model.HealthHealthy}, 0.9, ReasonHighLatency},
		{"recovery", model.DestinationHealth{SuccessCount: 10, Classification: model.HealthHealthy}, 1.05, ReasonRecovery},
		{"steady", model.DestinationHealth{SuccessCount: 99, FailureCount: 1, ConsecutiveFailures: 1, Classification: model.HealthHealthy}, 1, ReasonSteady},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := adaptiveRate(1, tc.health, ceiling)
			if got != tc.want || reason != tc.reason {
				t.Errorf("adaptiveRate = %v %q, want %v %q", got, reason, tc.want, tc.reason)
			}
		})
	}
}

func TestDequeue_DefersWhenBucketEmpty(t *testing.T) {
	s, st := newShaper(t)
	ctx := context.Background()
	enqueue(t, st, "pager", 3)

	for i := 0; i < 2; i++ {
		c, err := s.Dequeue(ctx, "w1")
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if c.Item == nil {
			t.Fatalf("Dequeue %d admitted nothing", i)
		}
		if want := fmt.Sprintf("pager-%03d", i); c.Item.ID != want {
			t.Errorf("Dequeue %d = %s, want FIFO %s", i, c.Item.ID, want)
		}
	}

	c, err := s.Dequeue(ctx, "w1")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if c.Item != nil || c.RetryAfter != time.Second {
		t.Fatalf("third Dequeue = %+v, want nothing with RetryAfter 1s", c)
	}
	deferred, err := st.Item(ctx, "pager-002")
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if deferred.ClaimedBy != "" || !deferred.NextEligibleAt.Equal(base.Add(time.Second)) {
		t.Errorf("deferred item = claimed %q eligible %v, want released until +1s", deferred.ClaimedBy, deferred.NextEligibleAt)
	}

	// Nothing else is eligible before the token refills.
	c, err = s.Dequeue(ctx, "w1")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if c.Item != nil || c.RetryAfter != 0 {
		t.Fatalf("Dequeue = %+v, want an empty claim", c)
	}

	s.now = fixedClock(base.Add(time.Second))
	c, err = s.Dequeue(ctx, "w1")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if c.Item == nil || c.Item.ID != "pager-002" {
		t.Fatalf("Dequeue after refill = %+v, want pager-002", c)
	}
}

func TestDequeue_UnconfiguredDestinationIsNotPaced(t *testing.T) {
	s, st := newShaper(t)
	ctx := context.Background()
	enqueue(t, st, "removed", 1)

	c, err := s.Dequeue(ctx, "w1")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if c.Item == nil || c.Item.DestinationID != "removed" {
		t.Fatalf("Dequeue = %+v, want the item handed to delivery", c)
	}
}

func TestAdjustAll(t *testing.T) {
	other := pager()
	other.ID = "chat"
	other.Type = "slack"
	s, st := newShaper(t, pager(), other)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.RecordOutcome(ctx, "chat", false, 10*time.Millisecond); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}
	report, err := s.AdjustAll(ctx)
	if err != nil {
		t.Fatalf("AdjustAll: %v", err)
	}
	if report.Status != model.JobSuccess || len(report.Units) != 2 {
		t.Fatalf("report = %+v", report)
	}
	changes, _ := st.RateChanges(ctx, "")
	if len(changes) != 1 || changes[0].DestinationID != "chat" || changes[0].Reason != ReasonCircuitBreaker {
		t.Errorf("rate changes = %+v, want one circuit_breaker for chat", changes)
	}
}

func TestDestinations(t *testing.T) {
	s, st := newShaper(t)
	ctx := context.Background()
	enqueue(t, st, "pager", 4)

	views, err := s.Destinations(ctx)
	if err != nil {
		t.Fatalf("Destinations: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}
	v := views[0]
	if v.PendingDepth != 4 || v.Health.Classification != model.HealthHealthy || v.RateLimit.Capacity != 2 {
		t.Errorf("view = %+v", v)
	}
}
