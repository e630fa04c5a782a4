// Package correlation finds operation types whose latency moves together.
//
// For each unordered pair of tracked operations the Analyzer aligns
// one-minute average-duration buckets, computes the Pearson coefficient and,
// above the threshold, classifies the pair into a bottleneck category with a
// canned remediation (see Classify). Results are upserted per canonical pair
// and each new correlated pair raises a CORRELATED_BOTTLENECK detection.
package correlation
