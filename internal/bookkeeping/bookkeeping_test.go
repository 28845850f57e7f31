package bookkeeping

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/queue"
)

type recorder struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (r *recorder) ack(_ context.Context, position int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, position)
	return nil
}

func (r *recorder) positions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.calls...)
}

func TestRequestCommitCoalesces(t *testing.T) {
	b := New(zap.NewNop())
	first, second := &recorder{}, &recorder{}

	b.RequestCommit("orders-0", first.ack, 10)
	b.RequestCommit("orders-0", second.ack, 12)
	assert.Equal(t, 1, b.Size())

	assert.Equal(t, 0, b.Flush(context.Background()))
	assert.Empty(t, first.positions())
	assert.Equal(t, []int64{12}, second.positions())

	// nothing new: no second acknowledgement
	b.Flush(context.Background())
	assert.Equal(t, []int64{12}, second.positions())

	e, ok := b.Get("orders-0")
	require.True(t, ok)
	assert.False(t, e.Pending)
	assert.Equal(t, int64(12), e.Acked)
}

func TestPartitionsAreIndependent(t *testing.T) {
	b := New(zap.NewNop())
	r := &recorder{}
	b.RequestCommit("orders-0", r.ack, 5)
	b.RequestCommit("orders-1", r.ack, 7)
	b.Flush(context.Background())
	assert.ElementsMatch(t, []int64{5, 7}, r.positions())
}

func TestFailedAckStaysPending(t *testing.T) {
	b := New(zap.NewNop())
	r := &recorder{err: errors.New("rebalancing")}
	b.RequestCommit("orders-0", r.ack, 3)
	assert.Equal(t, 1, b.Flush(context.Background()))

	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()
	assert.Equal(t, 0, b.Flush(context.Background()))
	assert.Equal(t, []int64{3}, r.positions())
}

func TestTrackerWaitsForEarlierCallbacks(t *testing.T) {
	var got []Request
	tr := NewTracker("orders-0", nil, func(r Request) { got = append(got, r) })

	first := tr.Begin(10, 2)
	second := tr.Begin(20, 1)

	second.Done()
	assert.Empty(t, got, "later batch must not be committed before the earlier one")

	first.Done()
	assert.Empty(t, got)
	first.Done()
	require.Len(t, got, 1)
	assert.Equal(t, int64(20), got[0].Position)
	assert.Equal(t, "orders-0", got[0].Partition)
	assert.Equal(t, 0, tr.Outstanding())
}

func TestTrackerEmptyBatchCompletesImmediately(t *testing.T) {
	var got []Request
	tr := NewTracker("p", nil, func(r Request) { got = append(got, r) })
	tr.Begin(4, 0)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].Position)
}

func TestRunAcksAndFlushesOnStop(t *testing.T) {
	b := New(zap.NewNop())
	q := queue.New[Request](8)
	r := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, q, 10*time.Millisecond) }()

	require.NoError(t, q.Put(ctx, Request{Partition: "p", Ack: r.ack, Position: 1}))
	require.NoError(t, q.Put(ctx, Request{Partition: "p", Ack: r.ack, Position: 2}))
	assert.Eventually(t, func() bool {
		p := r.positions()
		return len(p) > 0 && p[len(p)-1] == 2
	}, time.Second, 5*time.Millisecond)

	require.True(t, q.Offer(Request{Partition: "p", Ack: r.ack, Position: 3}))
	cancel()
	require.NoError(t, <-done)
	p := r.positions()
	assert.Equal(t, int64(3), p[len(p)-1])
}
