package kernel

// Event lets tasks wait for a trigger. It keeps no signaled state: a Trigger
// with no waiters is lost.
type Event struct {
	k       *Kernel
	blocked TaskList
}

// NewEvent creates an event bound to k.
func NewEvent(k *Kernel) *Event {
	e := &Event{}
	e.Init(k)
	return e
}

// Init prepares a statically declared event.
func (e *Event) Init(k *Kernel) {
	if k == nil {
		raise("Event.Init", "nil kernel", "")
	}
	e.k = k
	e.blocked = TaskList{}
}

// Wait blocks the running task until the next Trigger.
func (e *Event) Wait() {
	e.kernel("Event.Wait").BlockCurrentTaskToList(&e.blocked)
}

// Trigger readies every waiting task. Safe from interrupt handlers.
func (e *Event) Trigger() {
	e.kernel("Event.Trigger").ReadyTaskEntireList(&e.blocked)
}

// Waiters returns the blocked-task list.
func (e *Event) Waiters() *TaskList { return &e.blocked }

func (e *Event) kernel(op string) *Kernel {
	if e.k == nil {
		raise(op, "event not initialized", "")
	}
	return e.k
}
