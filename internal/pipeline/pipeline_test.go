package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/bookkeeping"
	"github.com/mehmetymw/cdcsync/internal/cache"
	"github.com/mehmetymw/cdcsync/internal/config"
	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/pool"
	"github.com/mehmetymw/cdcsync/internal/queue"
	"github.com/mehmetymw/cdcsync/internal/types"
)

type fakeConn struct {
	id      int
	fail    error
	mu      sync.Mutex
	applied map[string][]string
	closed  atomic.Bool
}

func newFakeConn(id int, fail error) *fakeConn {
	return &fakeConn{id: id, fail: fail, applied: make(map[string][]string)}
}

func (c *fakeConn) ID() int { return c.id }

func (c *fakeConn) Apply(_ context.Context, rs *types.RowSet) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rs.Rows {
		c.applied[rs.Table] = append(c.applied[rs.Table], r.Keys)
	}
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) count(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied[table])
}

// fakeSource emits rows once and then idles until cancelled.
type fakeSource struct {
	p       *Pipeline
	rows    []*types.Row
	tracker *bookkeeping.Tracker
	acked   atomic.Int64
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Run(ctx context.Context) error {
	s.tracker = bookkeeping.NewTracker("fake-0", func(_ context.Context, pos int64) error {
		s.acked.Store(pos)
		return nil
	}, s.p.CommitRequests)
	if err := s.p.Ingestor().Put(ctx, s.tracker, 42, s.rows); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *fakeSource) Close() error { return nil }

func testConfig() config.PipelineConfig {
	c := config.Config{Pipeline: config.PipelineConfig{
		Loaders:          2,
		FlushIntervalMs:  20,
		CommitIntervalMs: 20,
	}}
	c.ApplyDefaults()
	return c.Pipeline
}

func testTables() map[string]*types.Table {
	return map[string]*types.Table{
		"public.a": {Name: "public.a", Columns: []types.Column{{Name: "id"}}, KeyIndexes: []int{0}},
		"public.b": {Name: "public.b", Columns: []types.Column{{Name: "id"}}, KeyIndexes: []int{0}},
	}
}

func TestPipelineAppliesAndCommits(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := New(testConfig(), testTables(), reg, zap.NewNop())
	src := &fakeSource{p: p, rows: []*types.Row{
		{Type: types.Insert, MappedTable: "public.a", Keys: "1", Tuple: "1"},
		{Type: types.Insert, MappedTable: "public.a", Keys: "2", Tuple: "2"},
		{Type: types.Insert, MappedTable: "public.b", Keys: "1", Tuple: "1"},
	}}
	p.AddSource(src)

	conn := newFakeConn(0, nil)
	require.NoError(t, p.Start(context.Background(), func(context.Context, int) (Conn, error) {
		return conn, nil
	}))

	assert.Eventually(t, func() bool { return src.acked.Load() == 42 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, conn.count("public.a"))
	assert.Equal(t, 1, conn.count("public.b"))
	assert.Equal(t, float64(3), counterTotal(t, reg, "cdcsync_loader_rows_applied_total"))

	assert.Eventually(t, func() bool {
		st := p.Status()
		return len(st.Partitions) == 1 && st.Partitions[0].Acked == 42 && !st.Partitions[0].Pending
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	assert.NoError(t, p.Wait())
	assert.True(t, conn.closed.Load())
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestPipelineFailsWhenApplyFails(t *testing.T) {
	p := New(testConfig(), testTables(), nil, zap.NewNop())
	p.AddSource(&fakeSource{p: p, rows: []*types.Row{
		{Type: types.Insert, MappedTable: "public.a", Keys: "1", Tuple: "1"},
	}})

	conns := []*fakeConn{newFakeConn(0, errors.New("disk full")), newFakeConn(1, errors.New("disk full"))}
	require.NoError(t, p.Start(context.Background(), func(_ context.Context, id int) (Conn, error) {
		return conns[id], nil
	}))

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindThread))
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not fail")
	}
	assert.True(t, conns[0].closed.Load() || conns[1].closed.Load())
}

func TestWatchdogReportsAllLoadersFailed(t *testing.T) {
	ctx := context.Background()
	ingest := NewWorkerPool(ctx, "ingest", 1, zap.NewNop())
	loaders := NewWorkerPool(ctx, "loaders", 2, zap.NewNop())
	conns := queue.New[Conn](2)
	c := newFakeConn(0, nil)
	conns.Offer(c)

	var stop atomic.Bool
	w := &Watchdog{
		ingest:   ingest,
		loaders:  loaders,
		nLoaders: 2,
		conns:    conns,
		stopped:  stop.Load,
		shutdown: func() {
			ingest.Shutdown()
			loaders.Shutdown()
		},
		metrics: NewMetrics(nil),
		logger:  zap.NewNop(),
	}

	require.NoError(t, ingest.Submit("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))
	for _, name := range []string{"l0", "l1"} {
		require.NoError(t, loaders.Submit(name, func(context.Context) error { return nil }))
	}

	err := w.Wait()
	assert.ErrorIs(t, err, errs.ErrAllLoadersFailed)
	assert.True(t, c.closed.Load())
	assert.Equal(t, 0, conns.Len())
}

func TestWatchdogReturnsNilAfterStop(t *testing.T) {
	ctx := context.Background()
	ingest := NewWorkerPool(ctx, "ingest", 1, zap.NewNop())
	loaders := NewWorkerPool(ctx, "loaders", 1, zap.NewNop())
	var stop atomic.Bool
	w := &Watchdog{
		ingest: ingest, loaders: loaders, nLoaders: 1, conns: queue.New[Conn](1),
		stopped: stop.Load,
		shutdown: func() {
			ingest.Shutdown()
			loaders.Shutdown()
		},
		metrics: NewMetrics(nil),
		logger:  zap.NewNop(),
	}
	require.NoError(t, ingest.Submit("src", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, loaders.Submit("l0", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	stop.Store(true)
	w.shutdown()
	assert.NoError(t, w.Wait())
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	wp := NewWorkerPool(context.Background(), "test", 1, zap.NewNop())
	require.NoError(t, wp.Submit("boom", func(context.Context) error { panic("bad state") }))

	r, ok := wp.Poll(time.Second)
	require.True(t, ok)
	assert.Equal(t, "boom", r.Task)
	assert.True(t, errs.Is(r.Err, errs.KindThread))
	assert.Contains(t, r.Err.Error(), "bad state")
}

func TestWorkerPoolBounds(t *testing.T) {
	wp := NewWorkerPool(context.Background(), "test", 1, zap.NewNop())
	require.NoError(t, wp.Submit("wait", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))
	assert.ErrorIs(t, wp.Submit("extra", func(context.Context) error { return nil }), ErrPoolFull)

	assert.False(t, wp.Terminated())
	wp.Shutdown()
	assert.True(t, wp.AwaitTermination(time.Second))
	assert.True(t, wp.Terminated())
	assert.ErrorIs(t, wp.Submit("late", func(context.Context) error { return nil }), ErrPoolShutdown)
}

func xsyncCaches(caches map[string]*cache.RowCache) *xsync.MapOf[string, *cache.RowCache] {
	m := xsync.NewMapOf[string, *cache.RowCache]()
	for k, v := range caches {
		m.Store(k, v)
	}
	return m
}

func newDispatcher(pools *pool.Pools, caches map[string]*cache.RowCache, q *queue.Queue[*types.ChangeSet]) *Dispatcher {
	return &Dispatcher{
		caches:        xsyncCaches(caches),
		changeSets:    q,
		pools:         pools,
		flushInterval: time.Hour,
		batchSize:     2,
		logger:        zap.NewNop(),
	}
}

func TestDispatchSkipsTablesInFlight(t *testing.T) {
	pools := pool.NewPools(0)
	a := cache.New("public.a", 0, nil)
	b := cache.New("public.b", 0, nil)
	a.Put(&types.Row{Type: types.Insert, Keys: "1"})
	b.Put(&types.Row{Type: types.Insert, Keys: "1"})
	require.True(t, b.TryAcquire())

	q := queue.New[*types.ChangeSet](4)
	d := newDispatcher(pools, map[string]*cache.RowCache{"public.a": a, "public.b": b}, q)
	require.NoError(t, d.Dispatch(context.Background()))

	cs, ok := q.Poll(context.Background(), time.Second)
	require.True(t, ok)
	require.Len(t, cs.RowSets, 1)
	assert.Equal(t, "public.a", cs.RowSets[0].Table)
	assert.True(t, a.InFlight())
	assert.Equal(t, 1, b.Size(), "in-flight table keeps its rows")

	// nothing pending: no change set
	require.NoError(t, d.Dispatch(context.Background()))
	assert.Equal(t, 0, q.Len())
}

func TestDispatcherFlushesFullCache(t *testing.T) {
	pools := pool.NewPools(0)
	a := cache.New("public.a", 0, nil)
	q := queue.New[*types.ChangeSet](4)
	d := newDispatcher(pools, map[string]*cache.RowCache{"public.a": a}, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a.Put(&types.Row{Type: types.Insert, Keys: "1"})
	a.Put(&types.Row{Type: types.Insert, Keys: "2"})
	cs, ok := q.Poll(ctx, 2*time.Second)
	require.True(t, ok, "batch size reached before the flush interval")
	assert.Equal(t, 2, cs.RowCount())
}

func TestLoaderFailureClosesConnection(t *testing.T) {
	pools := pool.NewPools(0)
	a := cache.New("public.a", 0, nil)
	a.Put(&types.Row{Type: types.Insert, Keys: "1"})
	require.True(t, a.TryAcquire())

	rs, err := pools.RowSets.Borrow()
	require.NoError(t, err)
	a.Drain(rs)
	cs, err := pools.ChangeSets.Borrow()
	require.NoError(t, err)
	cs.RowSets = append(cs.RowSets, rs)

	changeSets := queue.New[*types.ChangeSet](1)
	conns := queue.New[Conn](1)
	conn := newFakeConn(0, errors.New("connection reset"))
	conns.Offer(conn)
	require.True(t, changeSets.Offer(cs))

	l := &Loader{
		changeSets: changeSets,
		conns:      conns,
		caches: func(table string) (*cache.RowCache, bool) {
			return a, table == "public.a"
		},
		pools:   pools,
		metrics: NewMetrics(nil),
		logger:  zap.NewNop(),
	}
	err = l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindThread))
	assert.True(t, conn.closed.Load())
	assert.Equal(t, 0, conns.Len(), "a failed connection is not reused")
	assert.False(t, a.InFlight())
	assert.Equal(t, int64(0), pools.RowSets.Stats().Active)
	assert.Equal(t, int64(0), pools.ChangeSets.Stats().Active)
}
