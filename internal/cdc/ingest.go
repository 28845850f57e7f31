package cdc

import (
	"context"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/bookkeeping"
	"github.com/mehmetymw/cdcsync/internal/cache"
	"github.com/mehmetymw/cdcsync/internal/pool"
	"github.com/mehmetymw/cdcsync/internal/types"
	"github.com/mehmetymw/cdcsync/internal/util"
)

// CacheLookup returns the RowCache of a destination table.
type CacheLookup func(table string) (*cache.RowCache, bool)

// Ingestor hands decoded rows to the row caches, grouped per destination
// table, together with the commit callback that covers them.
type Ingestor struct {
	pools  *pool.Pools
	caches CacheLookup
	logger *zap.Logger
}

func NewIngestor(pools *pool.Pools, caches CacheLookup, logger *zap.Logger) *Ingestor {
	return &Ingestor{pools: pools, caches: caches, logger: logger}
}

// Put registers position with tracker and caches rows. The position is
// requested for commit once every table touched by rows has been applied.
// Ownership of rows passes to the caches; on error the rows not yet cached
// are returned to the pool.
func (in *Ingestor) Put(ctx context.Context, tracker *bookkeeping.Tracker, position int64, rows []*types.Row) error {
	groups := make(map[string]*pool.Batch)
	defer func() {
		for _, b := range groups {
			in.pools.RowBatches.Return(b)
		}
	}()

	for _, r := range rows {
		if _, ok := in.caches(r.MappedTable); !ok {
			in.logger.Warn("Dropping row for table without cache",
				zap.String("table", r.MappedTable),
				zap.String("origin", r.OriginTable))
			in.pools.Rows.Return(r)
			continue
		}
		b, ok := groups[r.MappedTable]
		if !ok {
			var err error
			if b, err = in.pools.RowBatches.Borrow(); err != nil {
				in.releaseFrom(groups, rows, r)
				return err
			}
			groups[r.MappedTable] = b
		}
		b.Rows = append(b.Rows, r)
	}

	cb := tracker.Begin(position, len(groups))
	tables := util.SortedKeys(groups)
	for i, table := range tables {
		c, _ := in.caches(table)
		if err := c.PutBatch(ctx, groups[table].Rows, []types.Callback{cb}); err != nil {
			for _, rest := range tables[i:] {
				for _, r := range groups[rest].Rows {
					in.pools.Rows.Return(r)
				}
			}
			return err
		}
	}
	return nil
}

// releaseFrom returns the rows grouped so far plus every row from failed on.
func (in *Ingestor) releaseFrom(groups map[string]*pool.Batch, rows []*types.Row, failed *types.Row) {
	for _, b := range groups {
		for _, r := range b.Rows {
			in.pools.Rows.Return(r)
		}
	}
	found := false
	for _, r := range rows {
		if r == failed {
			found = true
		}
		if found {
			in.pools.Rows.Return(r)
		}
	}
}
