// Package baseline records latency samples and maintains one active
// percentile baseline per operation type.
//
// Record validates and persists a sample, then checks it against the active
// baseline and returns a THRESHOLD_EXCEEDED alert when the duration exceeds
// p99 × multiplier. Recalculate recomputes the percentiles from a lookback
// window and replaces the baseline only when p99 moved by more than the
// configured change threshold. RecalculateAll runs Recalculate for every
// tracked operation with bounded concurrency and folds the results into a
// model.JobReport.
package baseline
