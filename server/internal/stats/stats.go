package stats

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the standard deviation of values. With population=false the
// sample (n-1) estimator is used and fewer than two values yield 0.
func StdDev(values []float64, population bool) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	denom := float64(len(values))
	if !population {
		if len(values) < 2 {
			return 0
		}
		denom = float64(len(values) - 1)
	}
	return math.Sqrt(sum / denom)
}

// ZScore returns how many standard deviations v lies from mean.
// A zero stddev yields 0.
func ZScore(v, mean, stddev float64) float64 {
	if stddev == 0 {
		return 0
	}
	return (v - mean) / stddev
}

// Sorted returns an ascending copy of values.
func Sorted(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

// Percentile returns the p-th percentile (0–100) of an ascending slice using
// linear interpolation between closest ranks. It returns 0 for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Summary holds the descriptive statistics of one sample set.
type Summary struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	P50    float64
	P75    float64
	P90    float64
	P95    float64
	P99    float64
}

// Summarize computes a Summary. Percentiles come from one sorted copy, so they
// are monotonic by construction.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := Sorted(values)
	return Summary{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   Mean(sorted),
		StdDev: StdDev(sorted, true),
		P50:    Percentile(sorted, 50),
		P75:    Percentile(sorted, 75),
		P90:    Percentile(sorted, 90),
		P95:    Percentile(sorted, 95),
		P99:    Percentile(sorted, 99),
	}
}

// LinearRegression fits y = slope*x + intercept by least squares and reports
// the coefficient of determination. ok is false for mismatched or too-short
// inputs and for a degenerate x range.
func LinearRegression(xVals, yVals []float64) (slope, intercept, r2 float64, ok bool) {
	if len(xVals) != len(yVals) || len(xVals) < 2 {
		return 0, 0, 0, false
	}
	n := float64(len(xVals))
	var sumX, sumY, sumXY, sumX2 float64
	for i := range xVals {
		sumX += xVals[i]
		sumY += yVals[i]
		sumXY += xVals[i] * yVals[i]
		sumX2 += xVals[i] * xVals[i]
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0, 0, 0, false
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i := range xVals {
		diff := yVals[i] - meanY
		ssTot += diff * diff
		res := yVals[i] - (slope*xVals[i] + intercept)
		ssRes += res * res
	}
	if ssTot == 0 {
		return slope, intercept, 1, true
	}
	return slope, intercept, 1 - ssRes/ssTot, true
}

// Pearson returns the correlation coefficient of two equal-length series.
// ok is false when the lengths differ, fewer than two points are given, or
// either series has zero variance.
func Pearson(xs, ys []float64) (r float64, ok bool) {
	if len(xs) != len(ys) || len(xs) < 2 {
		return 0, false
	}
	mx, my := Mean(xs), Mean(ys)
	var cov, vx, vy float64
	for i := range xs {
		dx := xs[i] - mx
		dy := ys[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	r = cov / math.Sqrt(vx*vy)
	// Clamp rounding drift so callers can compare against ±1.
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r, true
}
