// Package queue provides the bounded hand-off queues between pipeline stages.
package queue

import (
	"context"
	"time"
)

// Queue is a bounded FIFO. Put blocks while it is full.
type Queue[T any] struct {
	ch chan T
}

func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer adds v without blocking and reports whether it was accepted.
func (q *Queue[T]) Offer(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Poll waits up to timeout for an element.
func (q *Queue[T]) Poll(ctx context.Context, timeout time.Duration) (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-q.ch:
		return v, true
	case <-timer.C:
	case <-ctx.Done():
	}
	var zero T
	return zero, false
}

// C exposes the receive side for select loops.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Drain removes and returns everything currently queued.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-q.ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
