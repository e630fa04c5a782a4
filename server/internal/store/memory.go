package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/pulse/server/internal/model"
)

type jobLease struct {
	holder string
	until  time.Time
}

// Memory is a thread-safe in-memory Store. A background goroutine (Run)
// periodically evicts samples older than the retention window.
type Memory struct {
	mu        sync.RWMutex
	retention time.Duration

	samples    map[string][]model.Sample
	baselines  map[string]model.Baseline // active baseline per operation
	history    []model.BaselineChange
	leases     map[string]jobLease
	detections []model.Detection
	correls    map[[2]string]model.CorrelationResult
	alerts     map[string]model.Alert
	snoozes    []model.Snooze
	items      map[string]model.DeliveryItem
	health     map[string]model.DestinationHealth
	rates      []model.RateChange
	backpress  []model.BackpressureSignal
}

// NewMemory creates a Memory store that keeps samples for retention.
func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		retention: retention,
		samples:   make(map[string][]model.Sample),
		baselines: make(map[string]model.Baseline),
		leases:    make(map[string]jobLease),
		correls:   make(map[[2]string]model.CorrelationResult),
		alerts:    make(map[string]model.Alert),
		items:     make(map[string]model.DeliveryItem),
		health:    make(map[string]model.DestinationHealth),
	}
}

// --- samples ----------------------------------------------------------------

func (m *Memory) AppendSample(_ context.Context, s model.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.OperationType] = append(m.samples[s.OperationType], s)
	return nil
}

func (m *Memory) Samples(_ context.Context, op string, from, to time.Time) ([]model.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Sample
	for _, s := range m.samples[op] {
		if !s.EndedAt.Before(from) && s.EndedAt.Before(to) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.Before(out[j].EndedAt) })
	return out, nil
}

func (m *Memory) OperationTypes(_ context.Context, since time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for op, list := range m.samples {
		for _, s := range list {
			if !s.EndedAt.Before(since) {
				out = append(out, op)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) PurgeSamples(_ context.Context, before time.Time) (int, error) {
	return m.evictBefore(before), nil
}

// Evict removes samples that ended before now minus the retention window.
// It returns the number of samples removed.
func (m *Memory) Evict(now time.Time) int {
	return m.evictBefore(now.Add(-m.retention))
}

func (m *Memory) evictBefore(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for op, list := range m.samples {
		kept := list[:0]
		for _, s := range list {
			if s.EndedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(m.samples, op)
			continue
		}
		m.samples[op] = kept
	}
	return removed
}

// Run starts the background retention loop. It ticks at a tenth of the
// retention window (between one second and one hour). Run blocks until ctx
// is cancelled.
func (m *Memory) Run(ctx context.Context) {
	interval := m.retention / 10
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := m.Evict(now); n > 0 {
				slog.Debug("store: evicted expired samples", "count", n)
			}
		}
	}
}

// --- baselines --------------------------------------------------------------

func (m *Memory) ActiveBaseline(_ context.Context, op string) (model.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[op]
	if !ok {
		return model.Baseline{}, fmt.Errorf("store: active baseline %q: %w", op, model.ErrNotFound)
	}
	return b, nil
}

func (m *Memory) ActiveBaselines(_ context.Context) ([]model.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Baseline, 0, len(m.baselines))
	for _, b := range m.baselines {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationType < out[j].OperationType })
	return out, nil
}

func (m *Memory) ReplaceBaseline(_ context.Context, b model.Baseline, change model.BaselineChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Active = true
	m.baselines[b.OperationType] = b
	m.history = append(m.history, change)
	return nil
}

func (m *Memory) BaselineHistory(_ context.Context, op string) ([]model.BaselineChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.BaselineChange
	for _, c := range m.history {
		if c.OperationType == op {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- job claims -------------------------------------------------------------

func (m *Memory) ClaimJob(_ context.Context, job, key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := job + "/" + key
	if l, ok := m.leases[k]; ok && l.holder != holder && l.until.After(now) {
		return false, nil
	}
	m.leases[k] = jobLease{holder: holder, until: now.Add(ttl)}
	return true, nil
}

func (m *Memory) ReleaseJob(_ context.Context, job, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := job + "/" + key
	if l, ok := m.leases[k]; ok && l.holder == holder {
		delete(m.leases, k)
	}
	return nil
}

// --- detections -------------------------------------------------------------

func (m *Memory) InsertDetection(_ context.Context, d model.Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = append(m.detections, d)
	return nil
}

func (m *Memory) LinkDetection(_ context.Context, detectionID, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.detections {
		if m.detections[i].ID == detectionID {
			m.detections[i].AlertID = alertID
			return nil
		}
	}
	return fmt.Errorf("store: detection %q: %w", detectionID, model.ErrNotFound)
}

func (m *Memory) Detections(_ context.Context, since time.Time) ([]model.Detection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Detection
	for _, d := range m.detections {
		if !d.DetectedAt.Before(since) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

// --- correlations -----------------------------------------------------------

func (m *Memory) UpsertCorrelation(_ context.Context, c model.CorrelationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.OperationA, c.OperationB = model.CanonicalPair(c.OperationA, c.OperationB)
	m.correls[[2]string{c.OperationA, c.OperationB}] = c
	return nil
}

func (m *Memory) Correlations(_ context.Context) ([]model.CorrelationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CorrelationResult, 0, len(m.correls))
	for _, c := range m.correls {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OperationA != out[j].OperationA {
			return out[i].OperationA < out[j].OperationA
		}
		return out[i].OperationB < out[j].OperationB
	})
	return out, nil
}

func (m *Memory) PurgeCorrelations(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, c := range m.correls {
		if c.AnalyzedAt.Before(before) {
			delete(m.correls, k)
			removed++
		}
	}
	return removed, nil
}

// --- alerts -----------------------------------------------------------------

func (m *Memory) InsertAlert(_ context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return fmt.Errorf("store: alert %q already exists", a.ID)
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *Memory) UpdateAlert(_ context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return fmt.Errorf("store: alert %q: %w", a.ID, model.ErrNotFound)
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *Memory) Alert(_ context.Context, id string) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("store: alert %q: %w", id, model.ErrNotFound)
	}
	return a, nil
}

func (m *Memory) Alerts(_ context.Context, state model.AlertState) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if state == "" || a.State == state {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) CountAlertsSince(_ context.Context, op string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.alerts {
		if a.OperationType == op && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// --- snoozes ----------------------------------------------------------------

func (m *Memory) InsertSnooze(_ context.Context, s model.Snooze) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snoozes = append(m.snoozes, s)
	return nil
}

func (m *Memory) Snoozes(_ context.Context) ([]model.Snooze, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Snooze, len(m.snoozes))
	copy(out, m.snoozes)
	return out, nil
}

func (m *Memory) ActiveSnoozes(_ context.Context, now time.Time) ([]model.Snooze, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Snooze
	for _, s := range m.snoozes {
		if now.Before(s.ExpiresAt) {
			out = append(out, s)
		}
	}
	return out, nil
}

// --- delivery items ---------------------------------------------------------

func (m *Memory) EnqueueItem(_ context.Context, item model.DeliveryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return fmt.Errorf("store: delivery item %q already exists", item.ID)
	}
	m.items[item.ID] = item
	return nil
}

func (m *Memory) ClaimNextItem(_ context.Context, worker string, now time.Time, ttl time.Duration) (model.DeliveryItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  model.DeliveryItem
		found bool
	)
	for _, it := range m.items {
		if !Eligible(it, now) {
			continue
		}
		if !found || Before(it, best) {
			best, found = it, true
		}
	}
	if !found {
		return model.DeliveryItem{}, false, nil
	}
	best.ClaimedBy = worker
	best.ClaimedUntil = now.Add(ttl)
	m.items[best.ID] = best
	return best, true, nil
}

func (m *Memory) ReleaseItem(_ context.Context, id, worker string, nextEligible time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return fmt.Errorf("store: delivery item %q: %w", id, model.ErrNotFound)
	}
	if it.ClaimedBy != worker {
		return fmt.Errorf("store: release %q by %q: %w", id, worker, model.ErrAlreadyClaimed)
	}
	it.ClaimedBy = ""
	it.ClaimedUntil = time.Time{}
	it.NextEligibleAt = nextEligible
	m.items[id] = it
	return nil
}

func (m *Memory) UpdateItem(_ context.Context, item model.DeliveryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return fmt.Errorf("store: delivery item %q: %w", item.ID, model.ErrNotFound)
	}
	item.ClaimedBy = ""
	item.ClaimedUntil = time.Time{}
	m.items[item.ID] = item
	return nil
}

func (m *Memory) Item(_ context.Context, id string) (model.DeliveryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return model.DeliveryItem{}, fmt.Errorf("store: delivery item %q: %w", id, model.ErrNotFound)
	}
	return it, nil
}

func (m *Memory) Items(_ context.Context, status model.DeliveryStatus) ([]model.DeliveryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.DeliveryItem
	for _, it := range m.items {
		if status == "" || it.Status == status {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PendingDepth(_ context.Context, destination string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, it := range m.items {
		if it.DestinationID == destination && it.Status.Queued() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FailStale(_ context.Context, cutoff, now time.Time) ([]model.DeliveryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeliveryItem
	for id, it := range m.items {
		if !it.Status.Queued() || !it.CreatedAt.Before(cutoff) {
			continue
		}
		if it.ClaimedBy != "" && it.ClaimedUntil.After(now) {
			continue
		}
		it.Status = model.StatusFailed
		it.FailureReason = model.ReasonStale
		it.ClaimedBy = ""
		it.ClaimedUntil = time.Time{}
		it.UpdatedAt = now
		m.items[id] = it
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- destination health -----------------------------------------------------

func (m *Memory) UpdateHealth(_ context.Context, destination string, fn func(*model.DestinationHealth)) (model.DestinationHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[destination]
	if !ok {
		h = model.DestinationHealth{DestinationID: destination, Classification: model.HealthHealthy}
	}
	h.Window = append([]model.Outcome(nil), h.Window...)
	fn(&h)
	m.health[destination] = h
	return copyHealth(h), nil
}

func (m *Memory) Health(_ context.Context, destination string) (model.DestinationHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[destination]
	if !ok {
		return model.DestinationHealth{}, fmt.Errorf("store: health %q: %w", destination, model.ErrNotFound)
	}
	return copyHealth(h), nil
}

func (m *Memory) Healths(_ context.Context) ([]model.DestinationHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.DestinationHealth, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, copyHealth(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out, nil
}

func copyHealth(h model.DestinationHealth) model.DestinationHealth {
	h.Window = append([]model.Outcome(nil), h.Window...)
	return h
}

// --- rate and backpressure audit --------------------------------------------

func (m *Memory) AppendRateChange(_ context.Context, c model.RateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = append(m.rates, c)
	return nil
}

func (m *Memory) RateChanges(_ context.Context, destination string) ([]model.RateChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RateChange
	for _, c := range m.rates {
		if destination == "" || c.DestinationID == destination {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) AppendBackpressure(_ context.Context, s model.BackpressureSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backpress = append(m.backpress, s)
	return nil
}

func (m *Memory) BackpressureSignals(_ context.Context, destination string) ([]model.BackpressureSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.BackpressureSignal
	for _, s := range m.backpress {
		if destination == "" || s.DestinationID == destination {
			out = append(out, s)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
