package engine

import (
	"time"
)

// Preemption budget defaults.
const (
	DefaultMaxPreemptions = 6
	DefaultBudgetWindow   = 15 * time.Minute
)

// PreemptionBudget limits how often an intersection may be preempted.
//
// Each intersection keeps a sliding window of accepted request times. A
// request is admitted while fewer than max requests were accepted within the
// window ending at the request time. This bounds how long cross traffic can
// be starved by back-to-back emergency calls.
//
// Not safe for concurrent use; the engine loop is the only caller.
type PreemptionBudget struct {
	max    int
	window time.Duration
	used   map[string][]time.Time
}

// NewPreemptionBudget creates a budget with the given limit and window.
// A max <= 0 disables the limit.
func NewPreemptionBudget(max int, window time.Duration) *PreemptionBudget {
	return &PreemptionBudget{
		max:    max,
		window: window,
		used:   make(map[string][]time.Time),
	}
}

// Check reports whether intersectionID may be preempted at t.
// Returns a RuntimeError with ErrCodeBudgetExceeded when the window is full.
func (b *PreemptionBudget) Check(intersectionID string, t time.Time) error {
	if b.max <= 0 {
		return nil
	}
	n := b.Used(intersectionID, t)
	if n >= b.max {
		return NewBudgetError(intersectionID, n, b.max)
	}
	return nil
}

// Record counts an accepted request at t.
func (b *PreemptionBudget) Record(intersectionID string, t time.Time) {
	b.used[intersectionID] = append(b.prune(intersectionID, t), t)
}

// Used returns the number of accepted requests within the window ending at t.
func (b *PreemptionBudget) Used(intersectionID string, t time.Time) int {
	return len(b.prune(intersectionID, t))
}

// Reset forgets all recorded requests.
func (b *PreemptionBudget) Reset() {
	b.used = make(map[string][]time.Time)
}

// Max returns the per-window limit.
func (b *PreemptionBudget) Max() int {
	return b.max
}

// Window returns the sliding window length.
func (b *PreemptionBudget) Window() time.Duration {
	return b.window
}

func (b *PreemptionBudget) prune(intersectionID string, t time.Time) []time.Time {
	times := b.used[intersectionID]
	cutoff := t.Add(-b.window)
	kept := times[:0]
	for _, at := range times {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.used[intersectionID] = kept
	return kept
}
