package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakePort stands in for hardware: compare is the timer compare register,
// counter the free-running count. A pended reschedule is taken synchronously
// when the outermost critical section exits.
type fakePort struct {
	k *Kernel

	depth   int
	pending bool
	nextSP  uintptr

	compare  Time
	counter  Time
	armCount int

	reschedules int

	// onYield runs on the yielding goroutine after the switch away from t.
	onYield func(t *Task)
}

func (p *fakePort) InitializeStack(stack []uintptr, entry func()) uintptr {
	p.nextSP += 0x100
	return p.nextSP
}

func (p *fakePort) EnterCriticalSection() { p.depth++ }

func (p *fakePort) ExitCriticalSection() {
	p.depth--
	if p.depth < 0 {
		panic("fakePort: unbalanced critical section")
	}
	if p.depth != 0 || !p.pending {
		return
	}
	p.pending = false
	p.reschedules++
	from := p.k.CurrentTask()
	p.k.SwitchToNextAvailableTask()
	if p.onYield != nil && p.k.CurrentTask() != from {
		p.onYield(from)
	}
}

func (p *fakePort) ArmHardwareTimer(ticks Time) {
	p.compare = ticks
	p.armCount++
}

func (p *fakePort) ReadHardwareTimer() Time { return p.counter }

func (p *fakePort) RequestReschedule() { p.pending = true }

func newTestKernel(t *testing.T, opts ...Option) (*Kernel, *fakePort) {
	t.Helper()
	p := &fakePort{}
	k := New(p, opts...)
	p.k = k
	k.Initialize()
	t.Cleanup(func() {
		require.Zero(t, p.depth, "critical section left open")
	})
	return k, p
}

func makeTask(name string, prio Priority) *Task {
	return NewTask(name, prio, nil, func() {})
}

// parker lets a test hold blocked task goroutines inside the port until it
// resumes them.
type parker struct {
	parked map[*Task]chan struct{}
	resume map[*Task]chan struct{}
}

func newParker(p *fakePort, tasks ...*Task) *parker {
	pk := &parker{
		parked: make(map[*Task]chan struct{}),
		resume: make(map[*Task]chan struct{}),
	}
	for _, t := range tasks {
		pk.parked[t] = make(chan struct{})
		pk.resume[t] = make(chan struct{})
	}
	p.onYield = func(t *Task) {
		pk.parked[t] <- struct{}{}
		<-pk.resume[t]
	}
	return pk
}

func (pk *parker) waitParked(t *testing.T, task *Task) {
	t.Helper()
	<-pk.parked[task]
}

func (pk *parker) wake(task *Task) {
	pk.resume[task] <- struct{}{}
}
