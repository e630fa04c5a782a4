package config

import (
	"sync"
	"sync/atomic"
)

// Holder hands out immutable Config snapshots. Jobs call Current once at
// start and keep the snapshot for the whole run, so a reload only affects
// the next run.
type Holder struct {
	cur atomic.Pointer[Config]

	mu       sync.Mutex
	revision uint64
}

// NewHolder returns a Holder seeded with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.Set(cfg)
	return h
}

// Current returns the active snapshot. Callers must not modify it.
func (h *Holder) Current() *Config {
	return h.cur.Load()
}

// Set installs cfg as the active snapshot and stamps its Revision.
func (h *Holder) Set(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revision++
	cp := *cfg
	cp.Revision = h.revision
	h.cur.Store(&cp)
}
