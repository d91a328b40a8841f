//go:build !tinygo

package hal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/kernel"
)

func newHostKernel(t *testing.T) (*Host, *kernel.Kernel) {
	t.Helper()
	h := NewHost(HostConfig{Tick: time.Millisecond})
	k := kernel.New(h)
	k.Initialize()
	return h, k
}

func startTask(k *kernel.Kernel, name string, prio kernel.Priority, entry func()) *kernel.Task {
	task := kernel.NewTask(name, prio, make([]uintptr, 64), entry)
	k.StartTask(task)
	return task
}

// runAsync runs h until the returned cancel func is called, then reports
// Run's result.
func runAsync(t *testing.T, h *Host, k *kernel.Kernel) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx, k) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestHostTimeSlicesEqualPriorityTasks(t *testing.T) {
	h, k := newHostKernel(t)
	var a, b atomic.Uint64
	startTask(k, "a", 1, func() {
		for {
			a.Add(1)
			h.Poll()
		}
	})
	startTask(k, "b", 1, func() {
		for {
			b.Add(1)
			h.Poll()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, h.Run(ctx, k))

	assert.NotZero(t, a.Load())
	assert.NotZero(t, b.Load())
	assert.NotZero(t, h.Stats().Ticks)
	assert.NotZero(t, h.Stats().Switches)
}

func TestHostQueueHandoff(t *testing.T) {
	h, k := newHostKernel(t)
	q := kernel.NewQueue(k, make([]int, 2))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []int
	startTask(k, "consumer", 2, func() {
		for len(got) < 5 {
			got = append(got, q.DequeueBlocking())
		}
		cancel()
	})
	startTask(k, "producer", 1, func() {
		for i := 0; i < 5; i++ {
			q.EnqueueBlocking(i)
		}
	})

	require.NoError(t, h.Run(ctx, k))
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, got); diff != "" {
		t.Fatalf("received (-want +got):\n%s", diff)
	}
}

func TestHostTaskFaultStopsRun(t *testing.T) {
	h, k := newHostKernel(t)
	startTask(k, "bad", 1, func() {
		kernel.NewQueue[int](k, nil)
	})
	_, errc := runAsync(t, h, k)

	err := <-errc
	require.Error(t, err)
	var f kernel.Fault
	require.True(t, errors.As(err, &f), "got %v", err)
	assert.Equal(t, "Queue.Init", f.Op)
	assert.Contains(t, err.Error(), "task bad")
}

func TestHostLineWakesWaitingTask(t *testing.T) {
	h, k := newHostKernel(t)
	ev := kernel.NewEvent(k)
	var woken atomic.Uint64
	startTask(k, "waiter", 3, func() {
		for {
			ev.Wait()
			woken.Add(1)
		}
	})
	line, err := h.AddLine("button", func() {
		ev.Trigger()
		k.SwitchToHighestPriorityTaskFromISR()
	})
	require.NoError(t, err)
	cancel, errc := runAsync(t, h, k)

	require.Eventually(t, func() bool {
		_ = h.RaiseIRQ(line)
		return woken.Load() >= 3
	}, 5*time.Second, 2*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	assert.NotZero(t, h.Stats().LineIRQs)
}

func TestHostTimerInterrupt(t *testing.T) {
	h, k := newHostKernel(t)
	timers := k.NewTimers(2)
	h.SetTimerHandler(timers.Interrupt)
	var fired atomic.Uint64
	timers.Enable(0, 2000, func() { fired.Add(1) }, true)
	cancel, errc := runAsync(t, h, k)

	require.Eventually(t, func() bool { return fired.Load() >= 3 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	assert.NotZero(t, h.Stats().TimerIRQs)
}

func TestHostSignalLine(t *testing.T) {
	h, k := newHostKernel(t)
	var edges atomic.Uint64
	_, err := h.AddSignalLine("sig", 2*time.Millisecond, time.Millisecond, func() { edges.Add(1) })
	require.NoError(t, err)
	cancel, errc := runAsync(t, h, k)

	require.Eventually(t, func() bool { return edges.Load() >= 3 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
}

func TestHostReturnedTaskIsRetired(t *testing.T) {
	h, k := newHostKernel(t)
	var ran atomic.Bool
	startTask(k, "once", 1, func() { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, h.Run(ctx, k))

	assert.True(t, ran.Load())
	snap := k.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, kernel.TaskSuspended, snap[1].State)
	assert.Equal(t, kernel.TaskRunning, snap[0].State)
}

func TestHostRunOnce(t *testing.T) {
	h, k := newHostKernel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Run(ctx, k))

	assert.ErrorIs(t, h.Run(context.Background(), k), ErrStopped)
	_, err := h.AddLine("late", func() {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestHostRejectsForeignKernel(t *testing.T) {
	h := NewHost(HostConfig{})
	other := kernel.New(NewHost(HostConfig{}))
	other.Initialize()

	assert.Error(t, h.Run(context.Background(), other))
	assert.Error(t, NewHost(HostConfig{}).Run(context.Background(), nil))
}

func TestHostAddLineValidation(t *testing.T) {
	h := NewHost(HostConfig{})

	_, err := h.AddLine("", func() {})
	assert.Error(t, err)
	_, err = h.AddLine("irq", nil)
	assert.Error(t, err)
	_, err = h.AddSignalLine("sig", 0, 0, func() {})
	assert.Error(t, err)

	n, err := h.AddLine("irq", func() {})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = h.AddLine("irq", func() {})
	assert.Error(t, err)

	got, ok := h.Line("irq")
	assert.True(t, ok)
	assert.Equal(t, n, got)
	assert.Error(t, h.RaiseIRQ(1))
}

func TestReadHardwareTimerCounts(t *testing.T) {
	h := NewHost(HostConfig{TimerResolution: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, uint32(h.ReadHardwareTimer()), uint32(5))
}

func TestHostDefaults(t *testing.T) {
	cfg := NewHost(HostConfig{}).Config()
	assert.Equal(t, time.Millisecond, cfg.Tick)
	assert.Equal(t, time.Microsecond, cfg.TimerResolution)
}
