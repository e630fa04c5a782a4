// Package stats implements the small set of descriptive statistics the
// detectors need: mean, standard deviation, interpolated percentiles, z-scores,
// least-squares regression and Pearson correlation. All functions are pure and
// operate on float64 slices; callers convert durations before calling.
package stats
