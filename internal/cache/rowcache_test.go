package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/cdcsync/internal/types"
)

func row(tp types.RowType, keys, tuple string) *types.Row {
	return &types.Row{Type: tp, MappedTable: "public.t", Keys: keys, Tuple: tuple}
}

type countCallback struct{ n int }

func (c *countCallback) Done() { c.n++ }

func TestSameKeyKeepsLast(t *testing.T) {
	var released []*types.Row
	c := New("public.t", 0, func(r *types.Row) { released = append(released, r) })

	var last *types.Row
	for i := 0; i < 5; i++ {
		last = row(types.Update, "1", fmt.Sprintf("1|v%d", i))
		c.Put(last)
	}
	assert.Equal(t, 1, c.Size())
	assert.Len(t, released, 4)

	rs := &types.RowSet{}
	n := c.Drain(rs)
	require.Equal(t, 1, n)
	assert.Same(t, last, rs.Rows[0])
	assert.Equal(t, "public.t", rs.Table)
	assert.Equal(t, 0, c.Size())
}

func TestDistinctKeysDoNotOverwrite(t *testing.T) {
	c := New("public.t", 0, nil)
	for i := 0; i < 10; i++ {
		c.Put(row(types.Insert, fmt.Sprint(i%4), "x"))
	}
	rs := &types.RowSet{}
	assert.Equal(t, 4, c.Drain(rs))
	assert.Len(t, rs.Rows, 4)
}

func TestDrainOrderFollowsLatestArrival(t *testing.T) {
	c := New("public.t", 0, nil)
	c.Put(row(types.Insert, "a", "a1"))
	c.Put(row(types.Insert, "b", "b1"))
	c.Put(row(types.Update, "a", "a2"))

	rs := &types.RowSet{}
	c.Drain(rs)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, "b", rs.Rows[0].Keys)
	assert.Equal(t, "a", rs.Rows[1].Keys)
	assert.Equal(t, "a2", rs.Rows[1].Tuple)
}

func TestDeleteThenInsertCollapses(t *testing.T) {
	c := New("public.t", 0, nil)
	c.Put(row(types.Delete, "1", ""))
	c.Put(row(types.Insert, "1", "1|new"))
	rs := &types.RowSet{}
	c.Drain(rs)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, types.Insert, rs.Rows[0].Type)
}

func TestKeyChangeTurnsOldEntryIntoDelete(t *testing.T) {
	c := New("public.t", 0, nil)
	c.Put(row(types.Insert, "1", "1|a"))
	moved := row(types.Update, "2", "2|a")
	moved.OldKeys = "1"
	c.Put(moved)

	rs := &types.RowSet{}
	c.Drain(rs)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, types.Delete, rs.Rows[0].Type)
	assert.Equal(t, "1", rs.Rows[0].Keys)
	assert.Equal(t, "", rs.Rows[0].Tuple)
	assert.Equal(t, "1", rs.Rows[1].OldKeys)
}

func TestOverwriteInheritsOldKeys(t *testing.T) {
	c := New("public.t", 0, nil)
	moved := row(types.Update, "2", "2|a")
	moved.OldKeys = "1"
	c.Put(moved)
	c.Put(row(types.Update, "2", "2|b"))

	rs := &types.RowSet{}
	c.Drain(rs)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, "1", rs.Rows[0].OldKeys)
	assert.Equal(t, "2|b", rs.Rows[0].Tuple)
}

func TestSecondKeyChangeKeepsFirstOldKeyDeleted(t *testing.T) {
	var released []*types.Row
	c := New("public.t", 0, func(r *types.Row) { released = append(released, r) })

	moved := row(types.Update, "B", "B|x")
	moved.OldKeys = "A"
	c.Put(moved)
	c.Put(row(types.Delete, "B", ""))
	again := row(types.Update, "B", "B|y")
	again.OldKeys = "C"
	c.Put(again)

	rs := &types.RowSet{}
	c.Drain(rs)
	deleted := map[string]bool{}
	for _, r := range rs.Rows {
		deleted[r.Keys] = true
		if r.OldKeys != "" {
			deleted[r.OldKeys] = true
		}
	}
	assert.True(t, deleted["A"])
	assert.True(t, deleted["B"])
	assert.True(t, deleted["C"])

	require.Len(t, rs.Rows, 2)
	assert.Equal(t, types.Delete, rs.Rows[0].Type)
	assert.Equal(t, "A", rs.Rows[0].Keys)
	assert.Equal(t, "", rs.Rows[0].OldKeys)
	assert.Same(t, again, rs.Rows[1])
	assert.Equal(t, "B|y", rs.Rows[1].Tuple)
	assert.Len(t, released, 1)
}

func TestSecondKeyChangeDropsOldKeyAlreadyCached(t *testing.T) {
	c := New("public.t", 0, nil)
	moved := row(types.Update, "B", "B|x")
	moved.OldKeys = "A"
	c.Put(moved)
	c.Put(row(types.Insert, "A", "A|z"))
	again := row(types.Update, "B", "B|y")
	again.OldKeys = "C"
	c.Put(again)

	rs := &types.RowSet{}
	c.Drain(rs)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, "A", rs.Rows[0].Keys)
	assert.Equal(t, types.Insert, rs.Rows[0].Type)
	assert.Equal(t, "B", rs.Rows[1].Keys)
	assert.Equal(t, "C", rs.Rows[1].OldKeys)
}

func TestCallbacksTravelWithDrain(t *testing.T) {
	c := New("public.t", 0, nil)
	cb := &countCallback{}
	require.NoError(t, c.PutBatch(context.Background(), []*types.Row{row(types.Insert, "1", "x")}, []types.Callback{cb}))
	assert.True(t, c.Pending())

	rs := &types.RowSet{}
	c.Drain(rs)
	require.Len(t, rs.Callbacks, 1)
	assert.Same(t, cb, rs.Callbacks[0])
	assert.False(t, c.Pending())
}

func TestPutBatchWaitsForDrainWhenFull(t *testing.T) {
	c := New("public.t", 2, nil)
	ctx := context.Background()
	require.NoError(t, c.PutBatch(ctx, []*types.Row{row(types.Insert, "1", "x"), row(types.Insert, "2", "x")}, nil))

	// overwriting an existing key still fits
	require.NoError(t, c.PutBatch(ctx, []*types.Row{row(types.Update, "1", "y")}, nil))

	done := make(chan error, 1)
	go func() {
		done <- c.PutBatch(ctx, []*types.Row{row(types.Insert, "3", "x")}, nil)
	}()

	select {
	case <-done:
		t.Fatal("PutBatch should block while the cache is full")
	case <-time.After(50 * time.Millisecond):
	}

	c.Drain(&types.RowSet{})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("PutBatch did not resume after drain")
	}
	assert.Equal(t, 1, c.Size())
}

func TestPutBatchHonoursContext(t *testing.T) {
	c := New("public.t", 1, nil)
	require.NoError(t, c.PutBatch(context.Background(), []*types.Row{row(types.Insert, "1", "x")}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.PutBatch(ctx, []*types.Row{row(types.Insert, "2", "x")}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, c.Size())
}

func TestInFlightGuard(t *testing.T) {
	c := New("public.t", 0, nil)
	assert.True(t, c.TryAcquire())
	assert.False(t, c.TryAcquire())
	assert.True(t, c.InFlight())
	c.Release()
	assert.True(t, c.TryAcquire())
}

func TestConcurrentPutAndDrain(t *testing.T) {
	c := New("public.t", 0, nil)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Put(row(types.Insert, fmt.Sprintf("%d-%d", w, i), "x"))
			}
		}(w)
	}

	total := 0
	stop := make(chan struct{})
	drained := make(chan int)
	go func() {
		n := 0
		for {
			select {
			case <-stop:
				drained <- n
				return
			default:
				n += c.Drain(&types.RowSet{})
			}
		}
	}()
	wg.Wait()
	close(stop)
	total = <-drained
	total += c.Drain(&types.RowSet{})
	assert.Equal(t, 4000, total)
}
