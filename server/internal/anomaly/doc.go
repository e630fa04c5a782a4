// Package anomaly flags statistical outliers and sustained latency
// degradation from recent samples.
//
// DetectStatistical emits one STATISTICAL_OUTLIER detection per sample whose
// z-score reaches the threshold. DetectDegradation compares the p99 of the
// two halves of a multi-day window and fits a trend over daily p99 values.
// DetectCombined runs both and merges overlapping evidence into a single
// result that carries a risk assessment from a Scorer.
//
// Run is the scheduled batch job: it evaluates every tracked operation under
// an (anomaly, operation) claim, persists new detections and hands the
// primary one to the alert router.
package anomaly
