package kernel

import "kestrel/kernel/list"

// TaskState is the scheduling state of a task.
type TaskState uint8

const (
	TaskDormant TaskState = iota
	TaskRunning
	TaskReady
	TaskSleeping
	TaskBlocked
	TaskSuspended
)

func (s TaskState) String() string {
	switch s {
	case TaskDormant:
		return "dormant"
	case TaskRunning:
		return "running"
	case TaskReady:
		return "ready"
	case TaskSleeping:
		return "sleeping"
	case TaskBlocked:
		return "blocked"
	case TaskSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Task is a statically allocated unit of execution. It is created once,
// before scheduling begins, and never destroyed.
type Task struct {
	name     string
	priority Priority
	node     list.Node[Task]

	sleepTicks uint32
	sp         uintptr
	framed     bool

	state TaskState
	stack []uintptr
	entry func()
}

// NewTask allocates a task. stack may be nil on ports that do not use it.
func NewTask(name string, priority Priority, stack []uintptr, entry func()) *Task {
	t := &Task{}
	t.Init(name, priority, stack, entry)
	return t
}

// Init prepares a statically declared task.
func (t *Task) Init(name string, priority Priority, stack []uintptr, entry func()) {
	t.init(name, priority, stack, entry)
}

func (t *Task) init(name string, priority Priority, stack []uintptr, entry func()) {
	t.name = name
	t.priority = priority
	t.stack = stack
	t.entry = entry
	t.sleepTicks = 0
	t.sp = 0
	t.framed = false
	t.state = TaskDormant
	t.node.Init(t)
}

func (t *Task) Name() string          { return t.name }
func (t *Task) Priority() Priority    { return t.priority }
func (t *Task) State() TaskState      { return t.state }
func (t *Task) SleepTicks() uint32    { return t.sleepTicks }
func (t *Task) StackPointer() uintptr { return t.sp }

// Node returns the task's list link.
func (t *Task) Node() *list.Node[Task] { return &t.node }

// TaskInfo is a copy of a task's scheduling state.
type TaskInfo struct {
	Name       string
	Priority   Priority
	State      TaskState
	SleepTicks uint32
}
