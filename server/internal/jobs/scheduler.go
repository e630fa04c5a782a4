package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/metrics"
	"github.com/obsidianstack/pulse/server/internal/model"
)

const (
	defaultKeep = 50
	// pausedPoll is how often a disabled job re-reads its interval.
	pausedPoll = 30 * time.Second
)

// ErrRunning is returned by RunNow while the same job is in progress.
var ErrRunning = errors.New("already running")

// Func is one run of a batch job.
type Func func(ctx context.Context) (model.JobReport, error)

// Interval picks a job's interval out of the configuration.
type Interval func(config.JobsConfig) time.Duration

type job struct {
	name  string
	every Interval
	run   Func
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg     *config.Holder
	metrics *metrics.Metrics
	keep    int
	now     func() time.Time

	mu      sync.Mutex
	jobs    []job
	running map[string]bool
	reports []model.JobReport
}

func New(cfg *config.Holder, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		metrics: m,
		keep:    defaultKeep,
		now:     time.Now,
		running: make(map[string]bool),
	}
}

// Register adds a job. It must be called before Run.
func (s *Scheduler) Register(name string, every Interval, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, every: every, run: fn})
}

// Run starts every registered job and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	for {
		wait := j.every(s.cfg.Current().Server.Jobs)
		paused := wait <= 0
		if paused {
			wait = pausedPoll
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if paused {
			continue
		}
		if _, err := s.RunNow(ctx, j.name); err != nil && ctx.Err() == nil {
			slog.Warn("jobs: run skipped", "job", j.name, "error", err)
		}
	}
}

// RunNow runs the named job once, outside its schedule. Overlapping runs of
// the same job are refused.
func (s *Scheduler) RunNow(ctx context.Context, name string) (model.JobReport, error) {
	s.mu.Lock()
	var fn Func
	for _, j := range s.jobs {
		if j.name == name {
			fn = j.run
		}
	}
	if fn == nil {
		s.mu.Unlock()
		return model.JobReport{}, fmt.Errorf("jobs: %q: %w", name, model.ErrNotFound)
	}
	if s.running[name] {
		s.mu.Unlock()
		return model.JobReport{}, fmt.Errorf("jobs: %q: %w", name, ErrRunning)
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	start := s.now()
	report, err := fn(ctx)
	if report.Job == "" {
		report.Job = name
	}
	if err != nil {
		report.Status = model.JobFailure
		report.Units = append(report.Units, model.UnitResult{Key: name, Err: err.Error()})
		if report.StartedAt.IsZero() {
			report.StartedAt = start
		}
		report.FinishedAt = s.now()
		slog.Error("jobs: run failed", "job", name, "error", err)
	} else {
		slog.Info("jobs: run finished",
			"job", name,
			"status", report.Status,
			"units", len(report.Units),
			"duration", report.FinishedAt.Sub(report.StartedAt),
		)
	}
	s.metrics.JobRun(name, report.Status)
	s.record(report)
	return report, err
}

func (s *Scheduler) record(r model.JobReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	if over := len(s.reports) - s.keep; over > 0 {
		s.reports = append([]model.JobReport(nil), s.reports[over:]...)
	}
}

// Reports returns the kept reports, newest first.
func (s *Scheduler) Reports() []model.JobReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JobReport, len(s.reports))
	for i, r := range s.reports {
		out[len(s.reports)-1-i] = r
	}
	return out
}
