package engine

import "sync/atomic"

// Rounds numbers sync rounds. Every SyncOnce takes the next number, which
// ties together the log lines of one round.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Rounds struct {
	seq atomic.Int64
}

// NewRounds creates a counter starting at 0.
func NewRounds() *Rounds {
	return &Rounds{}
}

// Next returns the next round number.
func (r *Rounds) Next() int64 {
	return r.seq.Add(1)
}

// Current returns the last issued round number.
func (r *Rounds) Current() int64 {
	return r.seq.Load()
}
