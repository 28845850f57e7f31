// Package bookkeeping defers source position commits until the rows they
// cover are applied, and coalesces them per partition.
package bookkeeping

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/queue"
)

// Ack acknowledges position to the source.
type Ack func(ctx context.Context, position int64) error

type Request struct {
	Partition string
	Ack       Ack
	Position  int64
}

type Entry struct {
	Ack      Ack
	Position int64
	Acked    int64
	Pending  bool
}

type Bookkeeping struct {
	entries   *xsync.MapOf[string, Entry]
	onFailure func()
	logger    *zap.Logger
}

func New(logger *zap.Logger) *Bookkeeping {
	return &Bookkeeping{
		entries: xsync.NewMapOf[string, Entry](),
		logger:  logger,
	}
}

// RequestCommit records position for partition, replacing any position not
// yet acknowledged.
func (b *Bookkeeping) RequestCommit(partition string, ack Ack, position int64) {
	b.entries.Compute(partition, func(e Entry, _ bool) (Entry, bool) {
		e.Ack = ack
		e.Position = position
		e.Pending = true
		return e, false
	})
}

// OnAckFailure registers f to be called for every failed acknowledgement.
func (b *Bookkeeping) OnAckFailure(f func()) {
	b.onFailure = f
}

func (b *Bookkeeping) Range(f func(partition string, e Entry) bool) {
	b.entries.Range(f)
}

func (b *Bookkeeping) Get(partition string) (Entry, bool) {
	return b.entries.Load(partition)
}

func (b *Bookkeeping) Size() int {
	return b.entries.Size()
}

// Flush acknowledges every pending position once. Failed acknowledgements
// stay pending and are retried on the next flush; the number of failures is
// returned.
func (b *Bookkeeping) Flush(ctx context.Context) int {
	failed := 0
	b.entries.Range(func(partition string, e Entry) bool {
		if !e.Pending {
			return true
		}
		if err := e.Ack(ctx, e.Position); err != nil {
			failed++
			if b.onFailure != nil {
				b.onFailure()
			}
			b.logger.Warn("Failed to acknowledge position",
				zap.String("partition", partition),
				zap.Int64("position", e.Position),
				zap.Error(err))
			return true
		}
		b.entries.Compute(partition, func(cur Entry, _ bool) (Entry, bool) {
			if cur.Position == e.Position {
				cur.Pending = false
			}
			cur.Acked = e.Position
			return cur, false
		})
		b.logger.Debug("Position acknowledged",
			zap.String("partition", partition),
			zap.Int64("position", e.Position))
		return true
	})
	return failed
}

// Run consumes commit requests and flushes every interval until ctx is done,
// then flushes one last time.
func (b *Bookkeeping) Run(ctx context.Context, requests *queue.Queue[Request], interval time.Duration) error {
	b.logger.Info("Starting bookkeeping", zap.Duration("commit_interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case req := <-requests.C():
			b.RequestCommit(req.Partition, req.Ack, req.Position)
		case <-ticker.C:
			b.Flush(ctx)
		case <-ctx.Done():
			for _, req := range requests.Drain() {
				b.RequestCommit(req.Partition, req.Ack, req.Position)
			}
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			failed := b.Flush(final)
			cancel()
			b.logger.Info("Bookkeeping stopped", zap.Int("failed_acks", failed))
			return nil
		}
	}
}
