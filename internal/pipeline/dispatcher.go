package pipeline

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/cache"
	"github.com/mehmetymw/cdcsync/internal/pool"
	"github.com/mehmetymw/cdcsync/internal/queue"
	"github.com/mehmetymw/cdcsync/internal/types"
)

const checkInterval = 50 * time.Millisecond

// Dispatcher drains the row caches into change sets, every flush interval
// or as soon as a cache holds batchSize rows.
type Dispatcher struct {
	caches        *xsync.MapOf[string, *cache.RowCache]
	changeSets    *queue.Queue[*types.ChangeSet]
	pools         *pool.Pools
	flushInterval time.Duration
	batchSize     int
	observe       func()
	logger        *zap.Logger
}

func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting dispatcher",
		zap.Duration("flush_interval", d.flushInterval),
		zap.Int("batch_size", d.batchSize))
	flush := time.NewTicker(d.flushInterval)
	defer flush.Stop()
	check := time.NewTicker(checkInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped")
			return nil
		case <-flush.C:
			if err := d.Dispatch(ctx); err != nil {
				return d.exit(ctx, err)
			}
		case <-check.C:
			if d.observe != nil {
				d.observe()
			}
			if d.full() {
				if err := d.Dispatch(ctx); err != nil {
					return d.exit(ctx, err)
				}
			}
		}
	}
}

func (d *Dispatcher) exit(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		d.logger.Info("Dispatcher stopped")
		return nil
	}
	return err
}

func (d *Dispatcher) full() bool {
	full := false
	d.caches.Range(func(_ string, c *cache.RowCache) bool {
		if c.Size() >= d.batchSize && !c.InFlight() {
			full = true
		}
		return !full
	})
	return full
}

// Dispatch drains every pending cache that has no row set in flight into one
// change set and queues it. It only fails when ctx is done while waiting for
// queue space; the drained rows are then dropped and their positions are
// never committed.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	cs, err := d.pools.ChangeSets.Borrow()
	if err != nil {
		return err
	}
	d.caches.Range(func(table string, c *cache.RowCache) bool {
		if !c.Pending() || !c.TryAcquire() {
			return true
		}
		rs, err := d.pools.RowSets.Borrow()
		if err != nil {
			c.Release()
			d.logger.Error("Failed to borrow row set", zap.String("table", table), zap.Error(err))
			return true
		}
		c.Drain(rs)
		cs.RowSets = append(cs.RowSets, rs)
		return true
	})
	if len(cs.RowSets) == 0 {
		d.pools.ChangeSets.Return(cs)
		return nil
	}

	cs.ID = types.NextChangeSetID()
	rows := cs.RowCount()
	if err := d.changeSets.Put(ctx, cs); err != nil {
		for _, rs := range cs.RowSets {
			if c, ok := d.caches.Load(rs.Table); ok {
				c.Release()
			}
		}
		d.pools.ReleaseChangeSet(cs)
		return err
	}
	d.logger.Debug("Dispatched change set",
		zap.Uint64("changeset", cs.ID),
		zap.Int("tables", len(cs.RowSets)),
		zap.Int("rows", rows))
	return nil
}
