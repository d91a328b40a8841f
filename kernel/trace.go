package kernel

// EventKind classifies a TraceEvent.
type EventKind uint8

const (
	EventSwitch EventKind = iota + 1
	EventReady
	EventWake
	EventSleep
	EventBlock
	EventTimerFire
	EventSuspend
)

func (k EventKind) String() string {
	switch k {
	case EventSwitch:
		return "switch"
	case EventReady:
		return "ready"
	case EventWake:
		return "wake"
	case EventSleep:
		return "sleep"
	case EventBlock:
		return "block"
	case EventTimerFire:
		return "timer"
	case EventSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// TraceEvent describes one scheduling decision.
type TraceEvent struct {
	Tick uint64
	Kind EventKind
	// Task is the task the event applies to: the incoming task of a switch.
	Task string
	// From is the outgoing task of a switch.
	From string
	// Timer is the software timer id of EventTimerFire.
	Timer int
}

// Tracer observes kernel events. Trace runs with interrupts masked and must
// not block or call back into the kernel.
type Tracer interface {
	Trace(ev TraceEvent)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(ev TraceEvent)

func (f TracerFunc) Trace(ev TraceEvent) { f(ev) }

func (k *Kernel) trace(kind EventKind, task, from *Task) {
	if k.tracer == nil {
		return
	}
	ev := TraceEvent{Tick: k.ticks, Kind: kind, Timer: -1}
	if task != nil {
		ev.Task = task.name
	}
	if from != nil {
		ev.From = from.name
	}
	k.tracer.Trace(ev)
}
