// Package kernel is a preemptive, priority-based real-time scheduler for a
// single CPU core, plus the blocking queue, event and software-timer
// primitives built on it.
//
// All shared state is mutated with interrupts masked through the Port. There
// are no locks: only one execution context runs at a time.
package kernel

import (
	"math"

	"kestrel/kernel/list"
)

// Time is a hardware timer count.
type Time uint32

// TimeMax is the largest value of the free-running hardware counter.
const TimeMax Time = math.MaxUint32

// Priority orders tasks; higher values run first.
type Priority uint8

// PriorityIdle is the priority of the idle task.
const PriorityIdle Priority = 0

// DefaultPriorityLevels is the number of priority levels when not configured.
const DefaultPriorityLevels = 7

const idleStackWords = 200

// Port is the hardware layer the kernel runs on.
//
// The port in turn calls Kernel.Tick from its periodic tick interrupt,
// Timers.Interrupt from its timer-compare interrupt and
// Kernel.SwitchToNextAvailableTask from its reschedule interrupt, the last on
// a stack that belongs to no task.
type Port interface {
	// InitializeStack builds the initial frame so that the first switch to
	// the returned stack pointer starts executing entry.
	InitializeStack(stack []uintptr, entry func()) uintptr
	// EnterCriticalSection masks interrupts at or above kernel priority.
	// Sections nest.
	EnterCriticalSection()
	// ExitCriticalSection undoes one EnterCriticalSection.
	ExitCriticalSection()
	// ArmHardwareTimer makes the compare interrupt fire ticks counts from now.
	ArmHardwareTimer(ticks Time)
	// ReadHardwareTimer reads the free-running counter.
	ReadHardwareTimer() Time
	// RequestReschedule pends the reschedule interrupt. It is taken once
	// interrupts are unmasked.
	RequestReschedule()
}

// Idler is implemented by ports that can halt until the next interrupt.
type Idler interface {
	Idle()
}

// TaskList is a list of tasks, used for ready, sleeping and blocked tasks.
type TaskList = list.List[Task]

// Kernel holds the scheduler state of one core.
type Kernel struct {
	port   Port
	tracer Tracer
	levels int

	ready    []TaskList
	sleeping TaskList

	current *Task
	idle    Task
	taskSP  uintptr

	tasks []*Task
	ticks uint64

	initialized bool
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithPriorityLevels sets the number of priority levels, idle included.
func WithPriorityLevels(n int) Option {
	return func(k *Kernel) { k.levels = n }
}

// WithTracer installs a hook that observes scheduling decisions.
func WithTracer(t Tracer) Option {
	return func(k *Kernel) { k.tracer = t }
}

// WithIdleStack provides the idle task's stack memory.
func WithIdleStack(stack []uintptr) Option {
	return func(k *Kernel) { k.idle.stack = stack }
}

// New creates a kernel bound to port. Initialize must be called before any
// interrupt is enabled.
func New(port Port, opts ...Option) *Kernel {
	if port == nil {
		raise("New", "nil port", "")
	}
	k := &Kernel{port: port, levels: DefaultPriorityLevels}
	for _, opt := range opts {
		opt(k)
	}
	if k.levels <= 0 || k.levels > math.MaxUint8+1 {
		raise("New", "priority levels out of range", "")
	}
	k.ready = make([]TaskList, k.levels)
	return k
}

// Initialize clears every list, builds the idle task and makes it current.
func (k *Kernel) Initialize() {
	for i := range k.ready {
		k.ready[i] = TaskList{}
	}
	k.sleeping = TaskList{}
	k.tasks = k.tasks[:0]
	k.ticks = 0

	if k.idle.stack == nil {
		k.idle.stack = make([]uintptr, idleStackWords)
	}
	k.idle.init("idle", PriorityIdle, k.idle.stack, k.idleLoop)
	k.idle.sp = k.port.InitializeStack(k.idle.stack, k.idle.entry)
	k.idle.framed = true
	k.idle.state = TaskRunning

	k.current = &k.idle
	k.taskSP = k.idle.sp
	k.initialized = true
}

func (k *Kernel) idleLoop() {
	idler, _ := k.port.(Idler)
	for {
		if idler != nil {
			idler.Idle()
		}
	}
}

// Port returns the port the kernel runs on.
func (k *Kernel) Port() Port { return k.port }

// PriorityLevels returns the number of priority levels.
func (k *Kernel) PriorityLevels() int { return k.levels }

// IdleTask returns the idle task.
func (k *Kernel) IdleTask() *Task { return &k.idle }

// CurrentTask returns the running task.
func (k *Kernel) CurrentTask() *Task { return k.current }

// Ticks returns the number of Tick calls since Initialize.
func (k *Kernel) Ticks() uint64 { return k.ticks }

// StackPointer returns the stack pointer of the task that runs when the
// current interrupt returns.
func (k *Kernel) StackPointer() uintptr { return k.taskSP }

// ReadyList returns the ready list for priority p.
func (k *Kernel) ReadyList(p Priority) *TaskList {
	k.checkPriority("ReadyList", p, "")
	return &k.ready[p]
}

// SleepingList returns the list of delayed tasks.
func (k *Kernel) SleepingList() *TaskList { return &k.sleeping }

func (k *Kernel) mustInit(op string) {
	if !k.initialized {
		raise(op, "kernel not initialized", "")
	}
}

func (k *Kernel) checkPriority(op string, p Priority, task string) {
	if int(p) >= k.levels {
		raise(op, "priority out of range", task)
	}
}
