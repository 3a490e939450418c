// Package winnerlatch implements the monotonically non-increasing "latch
// part" cell from spec.md §9's Design Notes ("Global mutable winner latch ->
// atomic cell"): an atomic integer where writers CAS in only a smaller
// non-zero value, so a later discovery of an earlier winner always
// overtakes a later one, never the reverse.
package winnerlatch

import "sync/atomic"

// Latch is the shared winner-latch cell consulted by the Part Stream
// Pipeline (interrupt guard), the Evaluation Scheduler (should_stop
// predicate, on-winner callback), and the Turn Loop (pre-turn guard).
type Latch struct {
	part atomic.Int64
}

// New returns an unlatched Latch (part == 0).
func New() *Latch {
	return &Latch{}
}

// TryLatch attempts to latch at partNumber. Succeeds if the latch is unset
// or currently holds a larger part number than partNumber; returns whether
// this call won the latch.
func (l *Latch) TryLatch(partNumber int) bool {
	if partNumber <= 0 {
		return false
	}
	for {
		current := l.part.Load()
		if current != 0 && current <= int64(partNumber) {
			return false
		}
		if l.part.CompareAndSwap(current, int64(partNumber)) {
			return true
		}
	}
}

// Get returns the latched part number, or 0 if unlatched.
func (l *Latch) Get() int {
	return int(l.part.Load())
}

// IsLatched reports whether any part has latched.
func (l *Latch) IsLatched() bool {
	return l.part.Load() != 0
}

// ShouldStop is the predicate the Evaluation Scheduler consults before
// scheduling new work.
func (l *Latch) ShouldStop() bool {
	return l.IsLatched()
}
