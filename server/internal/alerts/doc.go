// Package alerts routes alerts to notification destinations.
//
// Route persists every alert, escalates operations that keep alerting,
// honours operator snoozes and resolves destinations from explicit rules or
// the severity defaults. Each destination then passes backpressure
// admission before a delivery item is queued for the worker pool.
package alerts
