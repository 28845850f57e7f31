// Package pool provides the free-list arenas that recycle rows, row sets,
// change sets and row batches between the decoder, caches and loaders.
//
// Borrow never blocks: an empty pool allocates. Objects are handed back with
// Return, usually from a defer on every exit path of the stage that owns them.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/types"
)

const DefaultMaxIdle = 4096

type Stats struct {
	Created int64
	Active  int64
	Idle    int64
}

// Pool is a mutex guarded free list of T.
type Pool[T any] struct {
	name    string
	mu      sync.Mutex
	idle    []T
	maxIdle int
	newFn   func() (T, error)
	reset   func(T)

	created atomic.Int64
	active  atomic.Int64
}

// New creates a pool. maxIdle <= 0 means DefaultMaxIdle; reset may be nil.
func New[T any](name string, maxIdle int, newFn func() (T, error), reset func(T)) *Pool[T] {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Pool[T]{
		name:    name,
		maxIdle: maxIdle,
		newFn:   newFn,
		reset:   reset,
	}
}

func (p *Pool[T]) Name() string {
	return p.name
}

// Borrow returns an idle object or allocates a new one. Factory failures are
// reported as errs.KindResource.
func (p *Pool[T]) Borrow() (T, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		obj := p.idle[n-1]
		var zero T
		p.idle[n-1] = zero
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.active.Add(1)
		return obj, nil
	}
	p.mu.Unlock()

	obj, err := p.newFn()
	if err != nil {
		var zero T
		return zero, errs.Wrap(err, errs.KindResource, "borrow from "+p.name+" pool")
	}
	p.created.Add(1)
	p.active.Add(1)
	return obj, nil
}

// Return resets obj and keeps it for reuse unless the pool already holds
// maxIdle idle objects.
func (p *Pool[T]) Return(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.active.Add(-1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.maxIdle {
		return
	}
	p.idle = append(p.idle, obj)
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return Stats{
		Created: p.created.Load(),
		Active:  p.active.Load(),
		Idle:    int64(idle),
	}
}

// Batch is a reusable slice of rows used to group decoded rows per table.
type Batch struct {
	Rows []*types.Row
}

// Pools are the process-wide arenas, created once by the pipeline.
type Pools struct {
	Rows       *Pool[*types.Row]
	RowSets    *Pool[*types.RowSet]
	ChangeSets *Pool[*types.ChangeSet]
	RowBatches *Pool[*Batch]
}

func NewPools(maxIdle int) *Pools {
	return &Pools{
		Rows: New("row", maxIdle,
			func() (*types.Row, error) { return &types.Row{}, nil },
			func(r *types.Row) { r.Reset() }),
		RowSets: New("rowset", maxIdle,
			func() (*types.RowSet, error) { return &types.RowSet{Rows: make([]*types.Row, 0, 64)}, nil },
			func(s *types.RowSet) { s.Reset() }),
		ChangeSets: New("changeset", maxIdle,
			func() (*types.ChangeSet, error) { return &types.ChangeSet{RowSets: make([]*types.RowSet, 0, 8)}, nil },
			func(c *types.ChangeSet) { c.Reset() }),
		RowBatches: New("rowbatch", maxIdle,
			func() (*Batch, error) { return &Batch{Rows: make([]*types.Row, 0, 64)}, nil },
			func(b *Batch) {
				for i := range b.Rows {
					b.Rows[i] = nil
				}
				b.Rows = b.Rows[:0]
			}),
	}
}

// ReleaseRowSet returns every row of rs and then rs itself.
func (p *Pools) ReleaseRowSet(rs *types.RowSet) {
	if rs == nil {
		return
	}
	for _, r := range rs.Rows {
		if r != nil {
			p.Rows.Return(r)
		}
	}
	p.RowSets.Return(rs)
}

// ReleaseChangeSet returns all row sets of cs and then cs itself.
func (p *Pools) ReleaseChangeSet(cs *types.ChangeSet) {
	if cs == nil {
		return
	}
	for _, rs := range cs.RowSets {
		p.ReleaseRowSet(rs)
	}
	p.ChangeSets.Return(cs)
}
