// Package compute turns cumulative Prometheus latency totals into samples.
//
// Engine.Process compares a scrape with the previous one for the same source
// and emits, per operation, a sample whose duration is Δsum/Δcount in
// microseconds and whose interval is [previous scrape, now]. The first scrape
// of a source, idle operations (Δcount == 0) and counter resets produce no
// sample. The clock is passed in, so tests are deterministic.
package compute
