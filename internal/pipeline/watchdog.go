package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/queue"
)

// Watchdog waits for both worker pools to terminate and turns the first task
// failure into the pipeline's exit error.
type Watchdog struct {
	ingest   *WorkerPool
	loaders  *WorkerPool
	nLoaders int
	conns    *queue.Queue[Conn]
	stopped  func() bool
	shutdown func()
	metrics  *Metrics
	logger   *zap.Logger

	exitLoaders int
}

// Wait returns nil after an intentional stop. Otherwise it returns the first
// task failure, or errs.ErrAllLoadersFailed once every loader has exited.
func (w *Watchdog) Wait() error {
	var cause error
	fail := func(err error) {
		if cause != nil || w.stopped() {
			return
		}
		cause = err
		w.logger.Error("Pipeline task failed, shutting down", zap.Error(err))
		w.shutdown()
	}

	for !w.ingest.Terminated() || !w.loaders.Terminated() {
		if !w.ingest.Terminated() {
			if r, ok := w.ingest.Poll(pollTimeout); ok && r.Err != nil {
				fail(r.Err)
			}
		}
		if !w.loaders.Terminated() {
			if r, ok := w.loaders.Poll(pollTimeout); ok {
				w.loaderExited(r, fail)
			}
		}
	}
	for {
		r, ok := w.ingest.TryPoll()
		if !ok {
			break
		}
		if r.Err != nil {
			fail(r.Err)
		}
	}
	for {
		r, ok := w.loaders.TryPoll()
		if !ok {
			break
		}
		w.loaderExited(r, fail)
	}

	if w.stopped() {
		return nil
	}
	return cause
}

func (w *Watchdog) loaderExited(r Result, fail func(error)) {
	w.exitLoaders++
	w.metrics.LoaderExits.Inc()
	if r.Err != nil {
		fail(r.Err)
	}
	if w.exitLoaders != w.nLoaders {
		return
	}
	w.closeConns()
	fail(errs.ErrAllLoadersFailed)
}

func (w *Watchdog) closeConns() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closed := 0
	for _, c := range w.conns.Drain() {
		if err := c.Close(ctx); err != nil {
			w.logger.Warn("Failed to close loader connection", zap.Int("conn", c.ID()), zap.Error(err))
		}
		closed++
	}
	w.logger.Info("All loaders exited", zap.Int("closed_connections", closed))
}
