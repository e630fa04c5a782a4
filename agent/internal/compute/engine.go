package compute

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/obsidianstack/pulse/agent/internal/scraper"
	"github.com/obsidianstack/pulse/pkg/types"
)

// Engine keeps the previous scrape per source and turns the difference
// between two scrapes into latency samples.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	states map[string]*sourceState
}

type sourceState struct {
	prev     map[string]scraper.Totals
	prevTime time.Time
}

// NewEngine returns a ready-to-use Engine.
func NewEngine() *Engine {
	return &Engine{states: make(map[string]*sourceState)}
}

// Process derives one sample per operation that saw traffic since the
// previous successful scrape of the same source. The sample's duration is
// the mean latency over the interval, Δsum/Δcount, and it spans
// [previous scrape, now].
//
// now is passed explicitly so callers (and tests) control the clock.
//
// The first scrape of a source only records the totals. A failed scrape
// yields nothing and leaves the previous totals in place. Operations whose
// count did not grow (idle, or reset by a restart) yield nothing.
func (e *Engine) Process(res *scraper.ScrapeResult, now time.Time) []types.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res.Err != nil {
		slog.Debug("compute: scrape failed, skipping", "source", res.SourceID, "err", res.Err)
		return nil
	}

	st, ok := e.states[res.SourceID]
	if !ok {
		e.states[res.SourceID] = &sourceState{prev: res.Totals, prevTime: now}
		return nil
	}
	if !now.After(st.prevTime) {
		return nil
	}

	ops := make([]string, 0, len(res.Totals))
	for op := range res.Totals {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	var out []types.Sample
	for _, op := range ops {
		cur := res.Totals[op]
		prev, seen := st.prev[op]
		if !seen {
			continue
		}
		dCount := cur.Count - prev.Count
		dSum := cur.SumMicros - prev.SumMicros
		if dCount <= 0 || dSum < 0 {
			continue
		}
		mean := int64(math.Round(dSum / dCount))
		if mean < 1 {
			mean = 1
		}
		out = append(out, types.Sample{
			OperationType:  op,
			DurationMicros: mean,
			StartedAt:      st.prevTime,
			EndedAt:        now,
			Context: map[string]string{
				"source": res.SourceID,
				"count":  strconv.FormatFloat(dCount, 'f', -1, 64),
			},
		})
	}

	st.prev = res.Totals
	st.prevTime = now
	return out
}

// Forget drops the state of a source that is no longer configured.
func (e *Engine) Forget(sourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, sourceID)
}
