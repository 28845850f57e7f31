package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/errs"
)

type Task func(ctx context.Context) error

// Result is the outcome of one finished task.
type Result struct {
	Task string
	Err  error
}

var ErrPoolFull = errors.New("worker pool is full")
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs at most size tasks and reports their completion in
// finishing order. A panicking task completes with a KindThread error.
type WorkerPool struct {
	name    string
	size    int
	ctx     context.Context
	cancel  context.CancelFunc
	slots   chan struct{}
	results chan Result
	running atomic.Int32
	down    atomic.Bool
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func NewWorkerPool(ctx context.Context, name string, size int, logger *zap.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		name:    name,
		size:    size,
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(chan struct{}, size),
		results: make(chan Result, size),
		logger:  logger.With(zap.String("pool", name)),
	}
}

func (p *WorkerPool) Name() string {
	return p.name
}

func (p *WorkerPool) Size() int {
	return p.size
}

// Submit starts task unless every slot is taken or the pool is shut down.
func (p *WorkerPool) Submit(name string, task Task) error {
	if p.down.Load() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return errors.Wrapf(ErrPoolFull, "submit %s to %s", name, p.name)
	}
	p.running.Add(1)
	p.wg.Add(1)
	go p.run(name, task)
	return nil
}

func (p *WorkerPool) run(name string, task Task) {
	defer p.wg.Done()
	defer p.running.Add(-1)
	defer func() { <-p.slots }()

	res := Result{Task: name}
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Err = errs.New(errs.KindThread, fmt.Sprintf("task %s panicked: %v", name, r))
			}
		}()
		res.Err = task(p.ctx)
	}()
	if res.Err != nil {
		p.logger.Error("Task failed", zap.String("task", name), zap.Error(res.Err))
	} else {
		p.logger.Info("Task exited", zap.String("task", name))
	}
	p.results <- res
}

// Poll waits up to timeout for the next completed task.
func (p *WorkerPool) Poll(timeout time.Duration) (Result, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-p.results:
		return r, true
	case <-timer.C:
		return Result{}, false
	}
}

// TryPoll returns a completed task without waiting.
func (p *WorkerPool) TryPoll() (Result, bool) {
	select {
	case r := <-p.results:
		return r, true
	default:
		return Result{}, false
	}
}

// Shutdown rejects new tasks and cancels the context of running ones.
func (p *WorkerPool) Shutdown() {
	if p.down.CompareAndSwap(false, true) {
		p.logger.Info("Shutting down worker pool", zap.Int32("running", p.running.Load()))
	}
	p.cancel()
}

// Terminated reports whether the pool is shut down and no task is running.
func (p *WorkerPool) Terminated() bool {
	return p.down.Load() && p.running.Load() == 0
}

func (p *WorkerPool) Running() int {
	return int(p.running.Load())
}

// AwaitTermination waits for every task to return, up to timeout.
func (p *WorkerPool) AwaitTermination(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
