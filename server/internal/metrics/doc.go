// Package metrics owns the server's Prometheus registry.
//
// Every pipeline stage records into one Metrics value: ingestion counts,
// baseline outcomes, detections, routing decisions, delivery results and
// shaper state. The registry is served on /metrics through promhttp and
// flattened by Snapshot for the JSON stats endpoint.
//
// All recording methods are safe on a nil *Metrics, so components can be
// constructed without one in tests.
package metrics
