// Package pipeline wires providers, row caches, loaders and the offset
// bookkeeping together and supervises them.
package pipeline

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/bookkeeping"
	"github.com/mehmetymw/cdcsync/internal/cache"
	"github.com/mehmetymw/cdcsync/internal/cdc"
	"github.com/mehmetymw/cdcsync/internal/config"
	"github.com/mehmetymw/cdcsync/internal/pool"
	"github.com/mehmetymw/cdcsync/internal/queue"
	"github.com/mehmetymw/cdcsync/internal/types"
)

// Source produces rows into the pipeline's caches.
type Source interface {
	Name() string
	Run(ctx context.Context) error
	Close() error
}

// auxTasks are the ingestion slots besides the sources: dispatcher,
// bookkeeping and one spare.
const auxTasks = 3

type Pipeline struct {
	cfg    config.PipelineConfig
	tables map[string]*types.Table

	caches      *xsync.MapOf[string, *cache.RowCache]
	pools       *pool.Pools
	changeSets  *queue.Queue[*types.ChangeSet]
	conns       *queue.Queue[Conn]
	positions   *queue.Queue[bookkeeping.Request]
	bookkeeping *bookkeeping.Bookkeeping
	ingestor    *cdc.Ingestor
	metrics     *Metrics
	sources     []Source

	ingest   *WorkerPool
	loaders  *WorkerPool
	watchdog *Watchdog

	ctx     context.Context
	cancel  context.CancelFunc
	stop    atomic.Bool
	started atomic.Bool
	logger  *zap.Logger
}

// New creates a pipeline with one row cache per destination table in
// tables. reg may be nil.
func New(cfg config.PipelineConfig, tables map[string]*types.Table, reg prometheus.Registerer, logger *zap.Logger) *Pipeline {
	logger.Info("Creating pipeline",
		zap.Int("tables", len(tables)),
		zap.Int("loaders", cfg.Loaders),
		zap.Int("loader_conn_size", cfg.LoaderConnSize),
		zap.Int("changeset_queue_size", cfg.ChangeSetQueueSize),
		zap.Int("row_cache_size", cfg.RowCacheSize))

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:         cfg,
		tables:      tables,
		caches:      xsync.NewMapOf[string, *cache.RowCache](),
		pools:       pool.NewPools(cfg.PoolMaxIdle),
		changeSets:  queue.New[*types.ChangeSet](cfg.ChangeSetQueueSize),
		conns:       queue.New[Conn](cfg.LoaderConnSize),
		positions:   queue.New[bookkeeping.Request](cfg.PositionQueueSize),
		bookkeeping: bookkeeping.New(logger),
		metrics:     NewMetrics(reg),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
	for name := range tables {
		p.caches.Store(name, cache.New(name, cfg.RowCacheSize, p.pools.Rows.Return))
	}
	p.ingestor = cdc.NewIngestor(p.pools, p.Cache, logger)
	p.bookkeeping.OnAckFailure(p.metrics.CommitErrors.Inc)
	return p
}

func (p *Pipeline) Cache(table string) (*cache.RowCache, bool) {
	return p.caches.Load(table)
}

func (p *Pipeline) Pools() *pool.Pools {
	return p.pools
}

func (p *Pipeline) Ingestor() *cdc.Ingestor {
	return p.ingestor
}

func (p *Pipeline) Tables() map[string]*types.Table {
	return p.tables
}

// CommitRequests is handed to providers: it queues the commit requests of
// their trackers for the bookkeeping.
func (p *Pipeline) CommitRequests(r bookkeeping.Request) {
	if err := p.positions.Put(p.ctx, r); err != nil {
		p.logger.Debug("Dropping commit request during shutdown",
			zap.String("partition", r.Partition),
			zap.Int64("position", r.Position))
	}
}

func (p *Pipeline) AddSource(s Source) {
	p.sources = append(p.sources, s)
}

// Start opens the loader connections and starts every task.
func (p *Pipeline) Start(ctx context.Context, connect ConnFactory) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline already started")
	}
	for i := 0; i < p.cfg.LoaderConnSize; i++ {
		conn, err := connect(ctx, i)
		if err != nil {
			p.closeConns()
			return errors.Wrapf(err, "open loader connection %d", i)
		}
		p.conns.Offer(conn)
	}

	p.ingest = NewWorkerPool(p.ctx, "ingest", len(p.sources)+auxTasks, p.logger)
	p.loaders = NewWorkerPool(p.ctx, "loaders", p.cfg.Loaders, p.logger)
	p.watchdog = &Watchdog{
		ingest:   p.ingest,
		loaders:  p.loaders,
		nLoaders: p.cfg.Loaders,
		conns:    p.conns,
		stopped:  p.stop.Load,
		shutdown: p.shutdown,
		metrics:  p.metrics,
		logger:   p.logger.With(zap.String("component", "watchdog")),
	}

	for i := 0; i < p.cfg.Loaders; i++ {
		l := &Loader{
			id:         i,
			changeSets: p.changeSets,
			conns:      p.conns,
			caches:     p.Cache,
			pools:      p.pools,
			metrics:    p.metrics,
			logger:     p.logger.With(zap.Int("loader", i)),
		}
		if err := p.loaders.Submit(l.Name(), l.Run); err != nil {
			return err
		}
	}

	d := &Dispatcher{
		caches:        p.caches,
		changeSets:    p.changeSets,
		pools:         p.pools,
		flushInterval: p.cfg.FlushInterval(),
		batchSize:     p.cfg.BatchSize,
		observe:       p.observe,
		logger:        p.logger.With(zap.String("component", "dispatcher")),
	}
	if err := p.ingest.Submit("dispatcher", d.Run); err != nil {
		return err
	}
	if err := p.ingest.Submit("bookkeeping", func(ctx context.Context) error {
		return p.bookkeeping.Run(ctx, p.positions, p.cfg.CommitInterval())
	}); err != nil {
		return err
	}
	for _, s := range p.sources {
		if err := p.ingest.Submit("source-"+s.Name(), s.Run); err != nil {
			return err
		}
	}
	p.logger.Info("Pipeline started",
		zap.Int("sources", len(p.sources)),
		zap.Int("ingest_pool", p.ingest.Size()),
		zap.Int("loader_pool", p.loaders.Size()))
	return nil
}

// Stop requests an orderly shutdown; Wait then returns nil.
func (p *Pipeline) Stop() {
	if p.stop.CompareAndSwap(false, true) {
		p.logger.Info("Stopping pipeline")
	}
	p.shutdown()
}

func (p *Pipeline) Stopped() bool {
	return p.stop.Load()
}

func (p *Pipeline) shutdown() {
	p.cancel()
	if p.ingest != nil {
		p.ingest.Shutdown()
	}
	if p.loaders != nil {
		p.loaders.Shutdown()
	}
}

// Wait supervises the running pipeline until it has stopped, then closes the
// sources and remaining connections.
func (p *Pipeline) Wait() error {
	if p.watchdog == nil {
		return errors.New("pipeline not started")
	}
	err := p.watchdog.Wait()
	for _, s := range p.sources {
		if cerr := s.Close(); cerr != nil {
			p.logger.Warn("Failed to close source", zap.String("source", s.Name()), zap.Error(cerr))
		}
	}
	p.closeConns()
	p.logger.Info("Pipeline exited", zap.Bool("stopped", p.Stopped()), zap.Error(err))
	return err
}

func (p *Pipeline) closeConns() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range p.conns.Drain() {
		c.Close(ctx)
	}
}

// observe refreshes the gauges.
func (p *Pipeline) observe() {
	p.metrics.QueueDepth.WithLabelValues("changeset").Set(float64(p.changeSets.Len()))
	p.metrics.QueueDepth.WithLabelValues("position").Set(float64(p.positions.Len()))
	p.metrics.QueueDepth.WithLabelValues("connection").Set(float64(p.conns.Len()))
	p.caches.Range(func(table string, c *cache.RowCache) bool {
		p.metrics.CacheRows.WithLabelValues(table).Set(float64(c.Size()))
		return true
	})
	for name, st := range p.poolStats() {
		p.metrics.PoolObjects.WithLabelValues(name, "created").Set(float64(st.Created))
		p.metrics.PoolObjects.WithLabelValues(name, "active").Set(float64(st.Active))
		p.metrics.PoolObjects.WithLabelValues(name, "idle").Set(float64(st.Idle))
	}
}

func (p *Pipeline) poolStats() map[string]pool.Stats {
	return map[string]pool.Stats{
		p.pools.Rows.Name():       p.pools.Rows.Stats(),
		p.pools.RowSets.Name():    p.pools.RowSets.Stats(),
		p.pools.ChangeSets.Name(): p.pools.ChangeSets.Stats(),
		p.pools.RowBatches.Name(): p.pools.RowBatches.Stats(),
	}
}

type TableStatus struct {
	Table    string `json:"table"`
	Rows     int    `json:"rows"`
	InFlight bool   `json:"in_flight"`
}

type PartitionStatus struct {
	Partition string `json:"partition"`
	Requested int64  `json:"requested"`
	Acked     int64  `json:"acked"`
	Pending   bool   `json:"pending"`
}

type Status struct {
	Stopped         bool                  `json:"stopped"`
	ChangeSetQueue  int                   `json:"changeset_queue"`
	PositionQueue   int                   `json:"position_queue"`
	IdleConnections int                   `json:"idle_connections"`
	Tables          []TableStatus         `json:"tables"`
	Partitions      []PartitionStatus     `json:"partitions"`
	Pools           map[string]pool.Stats `json:"pools"`
}

func (p *Pipeline) Status() Status {
	st := Status{
		Stopped:         p.Stopped(),
		ChangeSetQueue:  p.changeSets.Len(),
		PositionQueue:   p.positions.Len(),
		IdleConnections: p.conns.Len(),
		Pools:           p.poolStats(),
	}
	p.caches.Range(func(table string, c *cache.RowCache) bool {
		st.Tables = append(st.Tables, TableStatus{Table: table, Rows: c.Size(), InFlight: c.InFlight()})
		return true
	})
	sort.Slice(st.Tables, func(i, j int) bool { return st.Tables[i].Table < st.Tables[j].Table })
	p.bookkeeping.Range(func(partition string, e bookkeeping.Entry) bool {
		st.Partitions = append(st.Partitions, PartitionStatus{
			Partition: partition,
			Requested: e.Position,
			Acked:     e.Acked,
			Pending:   e.Pending,
		})
		return true
	})
	sort.Slice(st.Partitions, func(i, j int) bool { return st.Partitions[i].Partition < st.Partitions[j].Partition })
	return st
}
