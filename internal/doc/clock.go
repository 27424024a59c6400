package doc

import "sync/atomic"

// Clock is the monotonic logical clock that assigns transaction indexes.
//
// Every committed batch is stamped with a strictly increasing index from
// this clock. Ordering NEVER uses wall-clock time: two edits made within the
// same millisecond are still strictly ordered.
//
// One Clock is shared by every document of a Store, so indexes are strictly
// increasing per document and also comparable between a parent and the
// children it references.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	tx atomic.Uint64
}

// NewClock creates a clock starting at 0. The first Next() returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock positioned at start.
// Used when rebuilding a store from a persisted edit log.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.tx.Store(start)
	return c
}

// Next returns the next transaction index.
func (c *Clock) Next() uint64 {
	return c.tx.Add(1)
}

// Current returns the most recently issued index without advancing.
func (c *Clock) Current() uint64 {
	return c.tx.Load()
}
