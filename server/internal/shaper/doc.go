// Package shaper paces outbound deliveries per destination.
//
// Every destination owns a token bucket whose refill rate is adjusted from
// the destination's rolling health: failures and slow responses lower the
// rate, a clean record restores it. Admission control compares the queue
// depth against a health-scaled limit and refuses new work before a
// struggling destination is buried.
//
// Buckets are pluggable. LocalBucket keeps state in process using
// golang.org/x/time/rate; RedisBucket keeps it in Redis so several server
// instances share one budget.
package shaper
