package cluster

import "sync/atomic"

// Sequence is a monotonic logical clock for ordering cluster operations.
// Values start at 1 and never repeat.
//
// Thread-safety: safe for concurrent use.
type Sequence struct {
	n atomic.Int64
}

// NewSequenceAt returns a sequence whose next value is start+1.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Next returns the next value.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the last value handed out, or the start value.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}
