package engine

import "sync/atomic"

// sequence hands out signal event seq numbers.
//
// Seqs order the event log; wall-clock time never does. A restored engine
// resumes from the highest stored seq so the log continues without gaps.
type sequence struct {
	last atomic.Int64
}

// next returns the seq for the next transition.
func (s *sequence) next() int64 {
	return s.last.Add(1)
}

// current is the last seq handed out, zero before the first transition.
func (s *sequence) current() int64 {
	return s.last.Load()
}

// resume moves the sequence forward to seq. It never moves backwards, so
// a stale store read cannot cause seq reuse.
func (s *sequence) resume(seq int64) {
	for {
		cur := s.last.Load()
		if seq <= cur || s.last.CompareAndSwap(cur, seq) {
			return
		}
	}
}
