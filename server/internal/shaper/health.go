package shaper

import (
	"math"
	"time"

	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/stats"
)

// Weight constants for the health score formula. They sum to 1.0.
const (
	weightSuccess = 0.50
	weightLatency = 0.30
	weightStreak  = 0.20
)

// Thresholds that map a score to a classification.
const (
	ThresholdHealthy  = 85.0
	ThresholdDegraded = 60.0
)

// CircuitBreakerFailures is the consecutive-failure count at which a
// destination is unavailable whatever its score.
const CircuitBreakerFailures = 5

// MinWindow is the outcome count below which the score alone does not
// classify a destination. Short windows stay healthy until the breaker trips.
const MinWindow = 10

// WindowSize bounds the rolling outcome window kept per destination.
const WindowSize = 100

// ComputeHealth scores a rolling outcome window:
//
//	score = (
//	    success_rate                    * 0.50 +
//	    (1 - min(p99/ceiling, 1))       * 0.30 +
//	    (1 - min(consecutive/5, 1))     * 0.20
//	) * 100
//
// An empty window scores 100. Windows shorter than MinWindow are scored but
// only the consecutive-failure breaker can classify them. A zero ceiling disables the latency penalty.
// The returned value carries counts, percentiles, score and classification;
// callers set the destination ID and timestamps.
func ComputeHealth(window []model.Outcome, consecutive int, ceiling time.Duration) model.DestinationHealth {
	h := model.DestinationHealth{ConsecutiveFailures: consecutive, Window: window}

	latencies := make([]float64, 0, len(window))
	for _, o := range window {
		if o.Success {
			h.SuccessCount++
		} else {
			h.FailureCount++
		}
		latencies = append(latencies, o.LatencyMs)
	}
	sorted := stats.Sorted(latencies)
	h.LatencyP50 = stats.Percentile(sorted, 50)
	h.LatencyP95 = stats.Percentile(sorted, 95)
	h.LatencyP99 = stats.Percentile(sorted, 99)

	latencyFactor := 1.0
	if ceilingMs := float64(ceiling) / float64(time.Millisecond); ceilingMs > 0 {
		latencyFactor = 1 - clamp01(h.LatencyP99/ceilingMs)
	}
	streakFactor := 1 - clamp01(float64(consecutive)/CircuitBreakerFailures)

	score := (h.SuccessRate()*weightSuccess + latencyFactor*weightLatency + streakFactor*weightStreak) * 100
	h.Score = math.Round(score*10) / 10
	h.Classification = classify(h.Score, consecutive)
	if len(window) < MinWindow && consecutive < CircuitBreakerFailures {
		h.Classification = model.HealthHealthy
	}
	return h
}

func classify(score float64, consecutive int) model.HealthClass {
	switch {
	case consecutive >= CircuitBreakerFailures:
		return model.HealthUnavailable
	case score >= ThresholdHealthy:
		return model.HealthHealthy
	case score >= ThresholdDegraded:
		return model.HealthDegraded
	default:
		return model.HealthUnavailable
	}
}

// appendOutcome adds o to window, dropping the oldest entries beyond
// WindowSize. The input slice is not modified.
func appendOutcome(window []model.Outcome, o model.Outcome) []model.Outcome {
	start := 0
	if len(window)+1 > WindowSize {
		start = len(window) + 1 - WindowSize
	}
	out := make([]model.Outcome, 0, len(window)-start+1)
	out = append(out, window[start:]...)
	return append(out, o)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
