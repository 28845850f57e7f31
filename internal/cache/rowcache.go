// Package cache holds the per-table RowCache that merges rows by key
// between the providers and the loaders.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mehmetymw/cdcsync/internal/types"
)

// RowCache keeps the most recent row per key for one destination table.
// Draining it and applying the rows in drain order gives the same result as
// applying every row that was put, in arrival order.
type RowCache struct {
	table    string
	capacity int
	release  func(*types.Row)

	mu        sync.Mutex
	index     map[string]int
	rows      []*types.Row // nil slots are superseded entries
	live      int
	callbacks []types.Callback
	space     chan struct{}

	inflight atomic.Bool
}

// New creates a cache for table. capacity <= 0 disables the bound; release
// receives superseded rows and may be nil.
func New(table string, capacity int, release func(*types.Row)) *RowCache {
	if release == nil {
		release = func(*types.Row) {}
	}
	return &RowCache{
		table:    table,
		capacity: capacity,
		release:  release,
		index:    make(map[string]int),
		space:    make(chan struct{}),
	}
}

func (c *RowCache) Table() string {
	return c.table
}

// Put inserts row or overwrites the entry with the same key. It never blocks.
func (c *RowCache) Put(row *types.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(row)
}

func (c *RowCache) put(row *types.Row) {
	if row.OldKeys != "" && row.OldKeys != row.Keys {
		// the row moved away from OldKeys: whatever is cached there must not
		// be written, but its own delete obligations stay.
		if i, ok := c.index[row.OldKeys]; ok {
			prev := c.rows[i]
			prev.Type = types.Delete
			prev.Tuple = ""
		}
	}
	if i, ok := c.index[row.Keys]; ok {
		prev := c.rows[i]
		switch {
		case row.OldKeys == "":
			row.OldKeys = prev.OldKeys
		case prev.OldKeys != "" && prev.OldKeys != row.OldKeys && prev.OldKeys != row.Keys:
			if _, cached := c.index[prev.OldKeys]; !cached {
				// prev still owes the delete of its old key; it stays in
				// place as a tombstone for that key.
				prev.Type = types.Delete
				prev.Keys = prev.OldKeys
				prev.OldKeys = ""
				prev.Tuple = ""
				c.index[prev.Keys] = i
				prev = nil
			}
		}
		if prev != nil {
			c.rows[i] = nil
			c.live--
			c.release(prev)
		}
	}
	c.index[row.Keys] = len(c.rows)
	c.rows = append(c.rows, row)
	c.live++
}

// PutBatch adds rows and the callbacks that cover them. While the cache is at
// capacity and the batch brings new keys it waits for a drain. On a context
// error nothing is added and the caller keeps ownership of rows.
func (c *RowCache) PutBatch(ctx context.Context, rows []*types.Row, callbacks []types.Callback) error {
	for {
		c.mu.Lock()
		if c.fits(rows) {
			for _, r := range rows {
				c.put(r)
			}
			c.callbacks = append(c.callbacks, callbacks...)
			c.mu.Unlock()
			return nil
		}
		wait := c.space
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (c *RowCache) fits(rows []*types.Row) bool {
	if c.capacity <= 0 || c.live == 0 {
		return true
	}
	added := 0
	for _, r := range rows {
		if _, ok := c.index[r.Keys]; !ok {
			added++
		}
	}
	return c.live+added <= c.capacity
}

// Drain moves every cached row, in order, and the pending callbacks into rs
// and leaves the cache empty. It returns the number of rows moved.
func (c *RowCache) Drain(rs *types.RowSet) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs.Table = c.table
	n := 0
	for i, r := range c.rows {
		if r == nil {
			continue
		}
		rs.Rows = append(rs.Rows, r)
		c.rows[i] = nil
		n++
	}
	rs.Callbacks = append(rs.Callbacks, c.callbacks...)
	for i := range c.callbacks {
		c.callbacks[i] = nil
	}
	c.callbacks = c.callbacks[:0]
	c.rows = c.rows[:0]
	clear(c.index)
	c.live = 0

	close(c.space)
	c.space = make(chan struct{})
	return n
}

func (c *RowCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Pending reports whether a drain would produce rows or callbacks.
func (c *RowCache) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live > 0 || len(c.callbacks) > 0
}

// TryAcquire marks the table as being applied. Only one RowSet per table may
// be in flight so that rows of the same key are applied in order.
func (c *RowCache) TryAcquire() bool {
	return c.inflight.CompareAndSwap(false, true)
}

func (c *RowCache) Release() {
	c.inflight.Store(false)
}

func (c *RowCache) InFlight() bool {
	return c.inflight.Load()
}
