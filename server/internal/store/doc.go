// Package store persists pulse-server state. Store is the full persistence
// contract; Memory implements it with maps guarded by one RWMutex and is the
// default backend, sqlite.Store (subpackage) implements it on a SQLite file.
//
// Both implementations provide the two atomic paths the pipeline relies on:
// ClaimNextItem is a non-blocking "skip if already claimed" claim over the
// delivery queue, and UpdateHealth applies a read-modify-write to one
// destination's health row as a single step.
//
// Memory.Run evicts samples older than the configured retention window.
package store
