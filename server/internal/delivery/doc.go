// Package delivery drains the delivery queue.
//
// Pool runs a fixed number of workers. Each worker asks the shaper for the
// next admitted item, resolves the destination's credential and hands the
// payload to a sink. Failures are retried on an exponential schedule until
// the item's attempt budget runs out, at which point the item is
// dead-lettered and shows up in the escalation view. EscalateStale is a
// separate watchdog that fails items stuck in the queue for too long.
package delivery
