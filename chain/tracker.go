// Package chain tracks the best known block height of the backing chain.
// Height is always passed explicitly into validation; nothing in the node
// reads it ambiently.
package chain

import "sync/atomic"

// Tracker holds the best known block height. It is safe for concurrent use.
type Tracker struct {
	height atomic.Uint32
}

// NewTracker starts a tracker at the given height.
func NewTracker(height uint32) *Tracker {
	t := &Tracker{}
	t.height.Store(height)
	return t
}

// SetHeight records a newly observed height. Regressions are ignored so a
// stale feed cannot move the node backwards.
func (t *Tracker) SetHeight(height uint32) {
	for {
		current := t.height.Load()
		if height <= current {
			return
		}
		if t.height.CompareAndSwap(current, height) {
			return
		}
	}
}

// BestHeight returns the highest height observed so far.
func (t *Tracker) BestHeight() uint32 {
	return t.height.Load()
}
