package version

import "sync/atomic"

// Counter is the single source of truth for "what version is the
// graph at right now" (§3). Exactly one Counter is shared between the
// invalidator, which advances it once per injected batch of changes,
// and the evaluator, which stamps freshly computed values with
// whatever the counter currently reads.
type Counter struct {
	v int64
}

// NewCounter returns a Counter starting at version zero.
func NewCounter() *Counter {
	return &Counter{v: int64(Zero)}
}

// Current returns the counter's present value without advancing it.
func (c *Counter) Current() IntVersion {
	return IntVersion(atomic.LoadInt64(&c.v))
}

// Advance atomically bumps the counter and returns the new value.
// Called once per invalidation batch, never once per evaluated node.
func (c *Counter) Advance() IntVersion {
	return IntVersion(atomic.AddInt64(&c.v, 1))
}
