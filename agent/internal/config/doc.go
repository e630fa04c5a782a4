// Package config loads and watches the agent configuration file.
//
// Each Source names a Prometheus endpoint, the summary or histogram to read
// (Metric), and the label that carries the operation type. Load applies
// defaults (30s scrape, 15s ship, 1000-sample buffer, label "operation",
// unit seconds) and validates the result.
//
// Watch(ctx, path, onChange) uses fsnotify and re-adds the watch after an
// atomic save replaces the file.
package config
