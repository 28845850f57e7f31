package bookkeeping

import (
	"sync"
	"sync/atomic"
)

// CommitCallback covers the rows read from one partition in one provider
// batch. It completes after every RowSet carrying it has been applied.
type CommitCallback struct {
	tracker  *Tracker
	position int64
	pending  atomic.Int32
	done     bool
}

func (c *CommitCallback) Position() int64 {
	return c.position
}

// Done marks one RowSet carrying c as applied.
func (c *CommitCallback) Done() {
	if c.pending.Add(-1) == 0 {
		c.tracker.complete(c)
	}
}

// Tracker orders the callbacks of one partition so that a position is only
// requested once every earlier callback has completed as well.
type Tracker struct {
	partition string
	ack       Ack
	out       func(Request)

	mu    sync.Mutex
	queue []*CommitCallback
}

// NewTracker creates a tracker; out receives the commit requests, in order.
func NewTracker(partition string, ack Ack, out func(Request)) *Tracker {
	return &Tracker{partition: partition, ack: ack, out: out}
}

func (t *Tracker) Partition() string {
	return t.partition
}

// Begin registers a callback for position that completes after parts calls
// to Done. parts <= 0 completes immediately.
func (t *Tracker) Begin(position int64, parts int) *CommitCallback {
	cb := &CommitCallback{tracker: t, position: position}
	cb.pending.Store(int32(parts))

	t.mu.Lock()
	t.queue = append(t.queue, cb)
	t.mu.Unlock()

	if parts <= 0 {
		t.complete(cb)
	}
	return cb
}

// Outstanding returns the number of callbacks not yet requested.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Tracker) complete(cb *CommitCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cb.done = true
	var last *CommitCallback
	for len(t.queue) > 0 && t.queue[0].done {
		last = t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
	}
	// emitted under the lock so requests of one partition stay ordered
	if last != nil {
		t.out(Request{Partition: t.partition, Ack: t.ack, Position: last.position})
	}
}
