package kernel

import "kestrel/kernel/list"

// StartTask makes task ready at the front of its priority's ready list.
//
// The task must not already be scheduled.
func (k *Kernel) StartTask(task *Task) {
	k.mustInit("StartTask")
	if task == nil || task == &k.idle {
		raise("StartTask", "invalid task", "")
	}
	k.checkPriority("StartTask", task.priority, task.name)

	if !task.framed && task.entry != nil {
		task.sp = k.port.InitializeStack(task.stack, task.entry)
		task.framed = true
	}

	k.port.EnterCriticalSection()
	if task.node.Owner() == nil {
		task.node.Init(task)
	}
	task.state = TaskReady
	k.ready[task.priority].PushFront(&task.node)
	k.tasks = append(k.tasks, task)
	k.trace(EventReady, task, nil)
	k.port.ExitCriticalSection()
}

// Tick runs once per scheduling quantum from the tick interrupt. It ages
// sleeping tasks, then hands the CPU to the first ready task at or above the
// current priority. The preempted task goes to the tail of its ready list,
// which time-slices tasks of equal priority.
func (k *Kernel) Tick() {
	k.mustInit("Tick")
	k.port.EnterCriticalSection()

	k.ticks++
	k.current.sp = k.taskSP
	k.updateSleeping()

	if next := k.highestReady(k.current.priority); next != nil {
		k.preemptTo(next)
	}

	k.port.ExitCriticalSection()
}

// DelayCurrentTask puts the running task to sleep for ticks Tick calls and
// yields. The remainder of the current quantum is not counted.
func (k *Kernel) DelayCurrentTask(ticks uint32) {
	k.mustInit("DelayCurrentTask")
	k.port.EnterCriticalSection()

	t := k.current
	if t == &k.idle {
		k.port.ExitCriticalSection()
		raise("DelayCurrentTask", "idle task cannot sleep", t.name)
	}
	t.sleepTicks = ticks
	t.state = TaskSleeping
	k.sleeping.PushFront(&t.node)
	k.trace(EventSleep, t, nil)
	k.port.RequestReschedule()

	k.port.ExitCriticalSection()
}

// BlockCurrentTaskToList parks the running task on a list owned by a
// synchronization primitive and yields. The task stays there until the
// primitive readies the list.
func (k *Kernel) BlockCurrentTaskToList(blockList *TaskList) {
	k.mustInit("BlockCurrentTaskToList")
	k.port.EnterCriticalSection()

	t := k.current
	if t == &k.idle {
		k.port.ExitCriticalSection()
		raise("BlockCurrentTaskToList", "idle task cannot block", t.name)
	}
	t.state = TaskBlocked
	blockList.PushFront(&t.node)
	k.trace(EventBlock, t, nil)
	k.port.RequestReschedule()

	k.port.ExitCriticalSection()
}

// SuspendCurrentTask takes the running task out of scheduling for good and
// yields. The task is left on no list, so nothing readies it again.
func (k *Kernel) SuspendCurrentTask() {
	k.mustInit("SuspendCurrentTask")
	k.port.EnterCriticalSection()

	t := k.current
	if t == &k.idle {
		k.port.ExitCriticalSection()
		raise("SuspendCurrentTask", "idle task cannot suspend", t.name)
	}
	t.state = TaskSuspended
	k.trace(EventSuspend, t, nil)
	k.port.RequestReschedule()

	k.port.ExitCriticalSection()
}

// Yield gives up the rest of the quantum to the next ready task of at least
// the same priority.
func (k *Kernel) Yield() {
	k.mustInit("Yield")
	k.port.EnterCriticalSection()
	k.port.RequestReschedule()
	k.port.ExitCriticalSection()
}

// ReadyTaskEntireList moves every task on taskList to its ready list. All
// waiters are released, never just one.
func (k *Kernel) ReadyTaskEntireList(taskList *TaskList) {
	k.port.EnterCriticalSection()
	taskList.Each(func(n *nodeT) {
		t := n.Owner()
		taskList.Remove(n)
		t.state = TaskReady
		k.ready[t.priority].PushFront(n)
		k.trace(EventWake, t, nil)
	})
	k.port.ExitCriticalSection()
}

// SwitchToNextAvailableTask runs from the reschedule interrupt. It selects
// the front of the highest non-empty ready list, or the idle task if every
// list is empty. A task that asked to reschedule while still runnable is
// queued behind its peers first.
func (k *Kernel) SwitchToNextAvailableTask() {
	k.mustInit("SwitchToNextAvailableTask")
	k.port.EnterCriticalSection()

	prev := k.current
	prev.sp = k.taskSP
	if prev.state == TaskRunning && prev != &k.idle {
		prev.state = TaskReady
		k.ready[prev.priority].PushBack(&prev.node)
	}

	next := k.highestReady(0)
	if next != nil {
		k.ready[next.priority].Remove(&next.node)
	} else {
		next = &k.idle
	}
	k.switchTo(prev, next)

	k.port.ExitCriticalSection()
}

// SwitchToHighestPriorityTaskFromISR lets an interrupt handler hand the CPU
// to a task it just readied, without waiting for the next tick.
func (k *Kernel) SwitchToHighestPriorityTaskFromISR() {
	k.mustInit("SwitchToHighestPriorityTaskFromISR")
	k.port.EnterCriticalSection()

	k.current.sp = k.taskSP
	if next := k.highestReady(k.current.priority); next != nil {
		k.preemptTo(next)
	}

	k.port.ExitCriticalSection()
}

// Snapshot copies the state of the idle task followed by every started task.
func (k *Kernel) Snapshot() []TaskInfo {
	k.port.EnterCriticalSection()
	defer k.port.ExitCriticalSection()

	out := make([]TaskInfo, 0, len(k.tasks)+1)
	out = append(out, k.idle.info())
	for _, t := range k.tasks {
		out = append(out, t.info())
	}
	return out
}

func (t *Task) info() TaskInfo {
	return TaskInfo{
		Name:       t.name,
		Priority:   t.priority,
		State:      t.state,
		SleepTicks: t.sleepTicks,
	}
}

type nodeT = list.Node[Task]

func (k *Kernel) updateSleeping() {
	k.sleeping.Each(func(n *nodeT) {
		t := n.Owner()
		if t.sleepTicks > 0 {
			t.sleepTicks--
		}
		if t.sleepTicks == 0 {
			k.sleeping.Remove(n)
			t.state = TaskReady
			k.ready[t.priority].PushFront(n)
			k.trace(EventWake, t, nil)
		}
	})
}

func (k *Kernel) highestReady(floor Priority) *Task {
	for p := k.levels - 1; p >= int(floor); p-- {
		if n := k.ready[p].Front(); n != nil {
			return n.Owner()
		}
	}
	return nil
}

// preemptTo replaces the running task with next, which must be at the front
// of its ready list.
func (k *Kernel) preemptTo(next *Task) {
	prev := k.current
	k.ready[next.priority].Remove(&next.node)
	if prev != &k.idle && prev.state == TaskRunning {
		prev.state = TaskReady
		k.ready[prev.priority].PushBack(&prev.node)
	}
	k.switchTo(prev, next)
}

func (k *Kernel) switchTo(prev, next *Task) {
	if prev == &k.idle && next != prev {
		prev.state = TaskReady
	}
	next.state = TaskRunning
	k.current = next
	k.taskSP = next.sp
	if prev != next {
		k.trace(EventSwitch, next, prev)
	}
}
