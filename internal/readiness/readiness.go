// Package readiness tracks whether the proxy has hydrated at least one
// token scope from upstream, so the HTTP layer can return 503 until
// there is real data to serve instead of an empty payload that looks
// like "this feature set is genuinely empty".
package readiness

import "sync/atomic"

// Checker is a concurrency-safe ready/not-ready flag.
type Checker struct {
	ready atomic.Bool
}

// New returns a Checker that starts out not ready.
func New() *Checker {
	return &Checker{}
}

// MarkReady flips the checker to ready. Idempotent.
func (c *Checker) MarkReady() {
	c.ready.Store(true)
}

// MarkNotReady flips the checker back to not ready.
func (c *Checker) MarkNotReady() {
	c.ready.Store(false)
}

// Ready reports whether the checker is currently marked ready.
func (c *Checker) Ready() bool {
	return c.ready.Load()
}
