package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/events"
	"github.com/obsidianstack/pulse/server/internal/metrics"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/shaper"
	"github.com/obsidianstack/pulse/server/internal/sink"
	"github.com/obsidianstack/pulse/server/internal/store"
)

// StaleJobName is the claim and report name of the staleness watchdog.
const StaleJobName = "stale"

// Queue hands out admitted items and takes delivery outcomes back.
// *shaper.Shaper implements it.
type Queue interface {
	Dequeue(ctx context.Context, workerID string) (shaper.Claim, error)
	RecordOutcome(ctx context.Context, destID string, success bool, latency time.Duration) (model.DestinationHealth, error)
}

// Credentials resolves a destination's endpoint.
type Credentials interface {
	Resolve(ctx context.Context, destID string) (string, error)
}

// Pool is safe for concurrent use. Run may be called once.
type Pool struct {
	store   store.Store
	queue   Queue
	sink    sink.Sink
	creds   Credentials
	cfg     *config.Holder
	pub     events.Publisher
	metrics *metrics.Metrics
	holder  string

	now func() time.Time
}

// New creates a Pool. holder prefixes worker IDs and identifies this process
// in job claims.
func New(st store.Store, q Queue, s sink.Sink, creds Credentials, cfg *config.Holder, pub events.Publisher, m *metrics.Metrics, holder string) *Pool {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Pool{
		store:   st,
		queue:   q,
		sink:    s,
		creds:   creds,
		cfg:     cfg,
		pub:     pub,
		metrics: m,
		holder:  holder,
		now:     time.Now,
	}
}

// Run starts the configured number of workers and blocks until ctx is
// cancelled and every worker has returned.
func (p *Pool) Run(ctx context.Context) {
	n := p.cfg.Current().Server.Delivery.Workers
	if n < 1 {
		n = 1
	}
	slog.Info("delivery: pool started", "workers", n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.worker(ctx, id)
		}(fmt.Sprintf("%s-w%d", p.holder, i))
	}
	wg.Wait()
	slog.Info("delivery: pool stopped")
}

func (p *Pool) worker(ctx context.Context, id string) {
	for {
		if ctx.Err() != nil {
			return
		}
		busy, err := p.Step(ctx, id)
		if err != nil && ctx.Err() == nil {
			slog.Error("delivery: step", "worker", id, "error", err)
		}
		if busy {
			continue
		}
		select {
		case <-time.After(p.cfg.Current().Server.Delivery.PollInterval):
		case <-ctx.Done():
			return
		}
	}
}

// Step dequeues and delivers at most one item. busy reports whether an item
// was handled, so the caller should ask again without idling.
func (p *Pool) Step(ctx context.Context, workerID string) (busy bool, err error) {
	claim, err := p.queue.Dequeue(ctx, workerID)
	if err != nil {
		return false, err
	}
	if claim.Item == nil {
		return false, nil
	}
	_, err = p.Deliver(ctx, *claim.Item)
	return true, err
}

// Deliver makes one attempt at item and stores the resulting transition.
func (p *Pool) Deliver(ctx context.Context, item model.DeliveryItem) (model.DeliveryItem, error) {
	cfg := p.cfg.Current().Server.Delivery

	alert, err := p.store.Alert(ctx, item.AlertID)
	switch {
	case err == nil && alert.Closed():
		item.Status = model.StatusCancelled
		item.UpdatedAt = p.now()
		if err := p.store.UpdateItem(ctx, item); err != nil {
			return item, fmt.Errorf("delivery: cancel %s: %w", item.ID, err)
		}
		slog.Debug("delivery: cancelled", "item", item.ID, "alert", item.AlertID, "state", alert.State)
		p.metrics.Delivery(item.DestinationID, string(model.StatusCancelled), -1)
		return item, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return item, fmt.Errorf("delivery: load alert %s: %w", item.AlertID, err)
	}

	start := p.now()
	res, sendErr := p.send(ctx, item, cfg.SendTimeout)
	latency := res.Elapsed
	if latency == 0 {
		latency = p.now().Sub(start)
	}

	if sendErr != nil && ctx.Err() != nil {
		return item, p.abandon(item, ctx.Err())
	}

	if _, err := p.queue.RecordOutcome(ctx, item.DestinationID, sendErr == nil, latency); err != nil {
		slog.Warn("delivery: record outcome", "destination", item.DestinationID, "error", err)
	}

	now := p.now()
	item.UpdatedAt = now
	if sendErr == nil {
		item.Status = model.StatusDelivered
		item.LastError = ""
		if err := p.store.UpdateItem(ctx, item); err != nil {
			return item, fmt.Errorf("delivery: mark delivered %s: %w", item.ID, err)
		}
		p.metrics.Delivery(item.DestinationID, string(model.StatusDelivered), latency.Seconds())
		slog.Debug("delivery: delivered", "item", item.ID, "destination", item.DestinationID, "latency", latency)
		events.Emit(ctx, p.pub, model.Event{Type: model.DeliveryDelivered, At: now, Item: &item})
		return item, nil
	}

	item.LastError = sendErr.Error()
	if item.Attempts < item.MaxAttempts {
		delay := retryDelay(cfg.BackoffBase, item.Attempts)
		item.Status = model.StatusRetrying
		item.NextEligibleAt = now.Add(delay)
		item.Attempts++
		if err := p.store.UpdateItem(ctx, item); err != nil {
			return item, fmt.Errorf("delivery: schedule retry %s: %w", item.ID, err)
		}
		p.metrics.Delivery(item.DestinationID, string(model.StatusRetrying), latency.Seconds())
		slog.Warn("delivery: attempt failed",
			"item", item.ID,
			"destination", item.DestinationID,
			"attempts", item.Attempts,
			"retry_in", delay,
			"error", sendErr,
		)
		return item, nil
	}

	item.Attempts++
	item.Status = model.StatusFailed
	item.FailureReason = model.ReasonDeadLetter
	if err := p.store.UpdateItem(ctx, item); err != nil {
		return item, fmt.Errorf("delivery: dead-letter %s: %w", item.ID, err)
	}
	p.metrics.Delivery(item.DestinationID, model.ReasonDeadLetter, latency.Seconds())
	slog.Error("delivery: dead-lettered",
		"item", item.ID,
		"alert", item.AlertID,
		"destination", item.DestinationID,
		"attempts", item.Attempts,
		"error", sendErr,
	)
	events.Emit(ctx, p.pub, model.Event{Type: model.DeliveryDeadLettered, At: now, Item: &item})
	return item, nil
}

// abandon hands an attempt interrupted by shutdown back to the queue. It
// counts neither as an attempt nor as a destination failure.
func (p *Pool) abandon(item model.DeliveryItem, cause error) error {
	slog.Info("delivery: attempt interrupted", "item", item.ID, "destination", item.DestinationID, "error", cause)
	if item.ClaimedBy == "" {
		return cause
	}
	if err := p.store.ReleaseItem(context.Background(), item.ID, item.ClaimedBy, p.now()); err != nil {
		return fmt.Errorf("delivery: release %s: %w", item.ID, err)
	}
	return cause
}

func (p *Pool) send(ctx context.Context, item model.DeliveryItem, timeout time.Duration) (sink.Result, error) {
	dest, ok := p.cfg.Current().Server.Destination(item.DestinationID)
	if !ok {
		return sink.Result{}, fmt.Errorf("destination %q is not configured", item.DestinationID)
	}
	url, err := p.creds.Resolve(ctx, dest.ID)
	if err != nil {
		return sink.Result{}, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.sink.Send(ctx, sink.Descriptor{ID: dest.ID, Type: dest.Type, URL: url}, item.Payload)
}

// EscalateStale fails every queued item older than the staleness window,
// whatever its attempt count.
func (p *Pool) EscalateStale(ctx context.Context) (model.JobReport, error) {
	now := p.now()
	report := model.JobReport{Job: StaleJobName, StartedAt: now}

	ok, err := p.store.ClaimJob(ctx, StaleJobName, "", p.holder, now, time.Minute)
	if err != nil {
		return report, fmt.Errorf("delivery: claim stale job: %w", err)
	}
	if !ok {
		report.Finish(p.now())
		return report, nil
	}
	defer func() {
		if err := p.store.ReleaseJob(context.WithoutCancel(ctx), StaleJobName, "", p.holder); err != nil {
			slog.Warn("delivery: release stale job", "error", err)
		}
	}()

	window := p.cfg.Current().Server.Delivery.StaleAfter
	failed, err := p.store.FailStale(ctx, now.Add(-window), now)
	if err != nil {
		return report, fmt.Errorf("delivery: fail stale: %w", err)
	}
	for i := range failed {
		it := failed[i]
		report.Units = append(report.Units, model.UnitResult{Key: it.ID, Detail: it.DestinationID})
		p.metrics.Delivery(it.DestinationID, model.ReasonStale, -1)
		slog.Warn("delivery: stale item failed",
			"item", it.ID,
			"destination", it.DestinationID,
			"age", now.Sub(it.CreatedAt),
			"attempts", it.Attempts,
		)
		events.Emit(ctx, p.pub, model.Event{Type: model.DeliveryStale, At: now, Item: &it})
	}
	report.Finish(p.now())
	return report, nil
}

// Escalations is the operator's view of terminal failures: every failed
// item, oldest first.
func (p *Pool) Escalations(ctx context.Context) ([]model.DeliveryItem, error) {
	items, err := p.store.Items(ctx, model.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("delivery: escalations: %w", err)
	}
	return items, nil
}
