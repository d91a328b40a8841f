package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queueSize = 25

func newTestQueue(t *testing.T) (*Kernel, *fakePort, *Queue[uint32]) {
	t.Helper()
	k, p := newTestKernel(t)
	return k, p, NewQueue(k, make([]uint32, queueSize))
}

func checkFrontAndCount[T any](t *testing.T, q *Queue[T], front, count int) {
	t.Helper()
	assert.Equal(t, front, q.Front(), "front")
	assert.Equal(t, count, q.Len(), "count")
}

func TestQueueInitialized(t *testing.T) {
	_, _, q := newTestQueue(t)

	checkFrontAndCount(t, q, 0, 0)
	assert.True(t, q.IsEmpty())
	assert.False(t, q.IsFull())
	assert.Equal(t, queueSize, q.Cap())
}

func TestQueueRoundTrip(t *testing.T) {
	_, _, q := newTestQueue(t)

	for i := uint32(0); i < 10; i++ {
		require.True(t, q.Enqueue(0xDEAD0000+i))
	}
	checkFrontAndCount(t, q, 0, 10)

	for i := uint32(0); i < 10; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, 0xDEAD0000+i, v)
	}
	checkFrontAndCount(t, q, 10, 0)
}

func TestQueueWrapsAround(t *testing.T) {
	k, _ := newTestKernel(t)
	q := NewQueue(k, make([]int, 4))

	next := 0
	want := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			require.True(t, q.Enqueue(next))
			next++
		}
		for i := 0; i < 3; i++ {
			v, ok := q.Dequeue()
			require.True(t, ok)
			require.Equal(t, want, v)
			want++
		}
	}
	checkFrontAndCount(t, q, 15%4, 0)
}

func TestQueueFullRejectsEnqueue(t *testing.T) {
	_, _, q := newTestQueue(t)
	for i := 0; i < queueSize; i++ {
		require.True(t, q.Enqueue(uint32(i)))
	}
	require.True(t, q.IsFull())

	assert.False(t, q.Enqueue(99))
	checkFrontAndCount(t, q, 0, queueSize)

	v, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint32(0), v)
}

func TestQueueEmptyRejectsDequeue(t *testing.T) {
	_, _, q := newTestQueue(t)
	require.True(t, q.Enqueue(1))
	_, _ = q.Dequeue()

	v, ok := q.Dequeue()

	assert.False(t, ok)
	assert.Zero(t, v)
	checkFrontAndCount(t, q, 1, 0)
}

func TestQueueZeroCapacityFaults(t *testing.T) {
	k, _ := newTestKernel(t)
	assert.PanicsWithError(t, "kernel: Queue.Init: zero capacity", func() {
		NewQueue[int](k, nil)
	})
}

func TestQueueUninitializedFaults(t *testing.T) {
	var q Queue[int]
	assert.PanicsWithError(t, "kernel: Queue.Enqueue: queue not initialized", func() {
		q.Enqueue(1)
	})
}

func TestDequeueBlockingBlocksOnEmpty(t *testing.T) {
	k, p, q := newTestQueue(t)
	task := makeTask("reader", 1)
	k.StartTask(task)
	k.Tick()
	pk := newParker(p, task)

	got := make(chan uint32, 1)
	go func() { got <- q.DequeueBlocking() }()
	pk.waitParked(t, task)

	checkFrontAndCount(t, q, 0, 0)
	assert.Same(t, task.Node(), q.BlockedOnRead().Front())
	assert.Equal(t, TaskBlocked, task.State())
	assert.Same(t, k.IdleTask(), k.CurrentTask())

	require.True(t, q.Enqueue(0xDEADBEEF))
	assert.True(t, q.BlockedOnRead().Empty())
	assert.Equal(t, TaskReady, task.State())

	k.Tick()
	require.Same(t, task, k.CurrentTask())
	pk.wake(task)

	assert.Equal(t, uint32(0xDEADBEEF), <-got)
	checkFrontAndCount(t, q, 1, 0)
}

func TestEnqueueBlockingBlocksOnFull(t *testing.T) {
	k, p, q := newTestQueue(t)
	for i := 0; i < queueSize; i++ {
		require.True(t, q.Enqueue(0xDEADBEEF))
	}
	task := makeTask("writer", 1)
	k.StartTask(task)
	k.Tick()
	pk := newParker(p, task)

	done := make(chan struct{})
	go func() {
		q.EnqueueBlocking(0xCAFEF00D)
		close(done)
	}()
	pk.waitParked(t, task)

	checkFrontAndCount(t, q, 0, queueSize)
	assert.Same(t, task.Node(), q.BlockedOnWrite().Front())

	_, ok := q.Dequeue()
	require.True(t, ok)
	assert.True(t, q.BlockedOnWrite().Empty())

	k.Tick()
	pk.wake(task)
	<-done

	checkFrontAndCount(t, q, 1, queueSize)
	for i := 0; i < queueSize-1; i++ {
		v, _ := q.Dequeue()
		require.Equal(t, uint32(0xDEADBEEF), v)
	}
	v, _ := q.Dequeue()
	assert.Equal(t, uint32(0xCAFEF00D), v)
}

func TestEnqueueBlockingWithRoomDoesNotBlock(t *testing.T) {
	k, p, q := newTestQueue(t)
	task := makeTask("writer", 1)
	k.StartTask(task)
	k.Tick()

	q.EnqueueBlocking(7)

	assert.Same(t, task, k.CurrentTask())
	assert.Zero(t, p.reschedules)
	checkFrontAndCount(t, q, 0, 1)
}

func TestQueueWakesAllReadersAndLosersReblock(t *testing.T) {
	k, p, q := newTestQueue(t)
	a := makeTask("a", 1)
	b := makeTask("b", 1)
	pk := newParker(p, a, b)
	got := make(chan uint32, 2)

	for _, task := range []*Task{a, b} {
		k.StartTask(task)
		k.Tick()
		require.Same(t, task, k.CurrentTask())
		go func() { got <- q.DequeueBlocking() }()
		pk.waitParked(t, task)
	}
	require.Equal(t, 2, q.BlockedOnRead().Len())

	require.True(t, q.Enqueue(7))

	assert.True(t, q.BlockedOnRead().Empty())
	assert.Equal(t, TaskReady, a.State())
	assert.Equal(t, TaskReady, b.State())

	k.Tick()
	require.Same(t, a, k.CurrentTask())
	pk.wake(a)
	assert.Equal(t, uint32(7), <-got)

	k.Tick()
	require.Same(t, b, k.CurrentTask())
	pk.wake(b)
	pk.waitParked(t, b)

	assert.Same(t, b.Node(), q.BlockedOnRead().Front())
	assert.Equal(t, TaskBlocked, b.State())
	assert.Same(t, a, k.CurrentTask())

	require.True(t, q.Enqueue(8))
	k.Tick()
	require.Same(t, b, k.CurrentTask())
	pk.wake(b)
	assert.Equal(t, uint32(8), <-got)
}
