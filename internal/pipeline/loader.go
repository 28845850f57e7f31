package pipeline

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/cache"
	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/pool"
	"github.com/mehmetymw/cdcsync/internal/queue"
	"github.com/mehmetymw/cdcsync/internal/types"
)

const pollTimeout = time.Second

// Conn applies RowSets to the destination.
type Conn interface {
	ID() int
	Apply(ctx context.Context, rs *types.RowSet) error
	Close(ctx context.Context) error
}

// ConnFactory opens destination connection id.
type ConnFactory func(ctx context.Context, id int) (Conn, error)

type Loader struct {
	id         int
	changeSets *queue.Queue[*types.ChangeSet]
	conns      *queue.Queue[Conn]
	caches     func(table string) (*cache.RowCache, bool)
	pools      *pool.Pools
	metrics    *Metrics
	logger     *zap.Logger
}

func (l *Loader) Name() string {
	return "loader-" + strconv.Itoa(l.id)
}

// Run applies change sets until ctx is done. A failed apply closes the
// connection it used and ends the task.
func (l *Loader) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		cs, ok := l.changeSets.Poll(ctx, pollTimeout)
		if !ok {
			continue
		}
		if err := l.apply(ctx, cs); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (l *Loader) apply(ctx context.Context, cs *types.ChangeSet) error {
	defer l.release(cs)

	conn, ok := l.conns.Poll(ctx, pollTimeout)
	for !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, ok = l.conns.Poll(ctx, pollTimeout)
	}

	start := time.Now()
	rows := 0
	for i, rs := range cs.RowSets {
		if len(rs.Rows) > 0 {
			began := time.Now()
			if err := conn.Apply(ctx, rs); err != nil {
				l.logger.Error("Failed to apply row set",
					zap.Uint64("changeset", cs.ID),
					zap.String("table", rs.Table),
					zap.Int("rows", len(rs.Rows)),
					zap.Int("conn", conn.ID()),
					zap.Error(err))
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				conn.Close(closeCtx)
				cancel()
				return errs.Wrap(err, errs.KindThread, "apply "+rs.Table)
			}
			l.metrics.ApplyDuration.WithLabelValues(rs.Table).Observe(time.Since(began).Seconds())
			l.metrics.RowsApplied.WithLabelValues(rs.Table).Add(float64(len(rs.Rows)))
			rows += len(rs.Rows)
		}
		for _, cb := range rs.Callbacks {
			cb.Done()
		}
		l.releaseRowSet(rs)
		cs.RowSets[i] = nil
	}
	l.conns.Offer(conn)
	l.metrics.ChangeSets.Inc()
	l.logger.Debug("Applied change set",
		zap.Uint64("changeset", cs.ID),
		zap.Int("rows", rows),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// releaseRowSet frees the table for the next drain and returns rs to the
// pools.
func (l *Loader) releaseRowSet(rs *types.RowSet) {
	if c, ok := l.caches(rs.Table); ok {
		c.Release()
	}
	l.pools.ReleaseRowSet(rs)
}

// release returns whatever is left of cs, including row sets that were
// never applied.
func (l *Loader) release(cs *types.ChangeSet) {
	for i, rs := range cs.RowSets {
		if rs != nil {
			l.releaseRowSet(rs)
			cs.RowSets[i] = nil
		}
	}
	l.pools.ChangeSets.Return(cs)
}
