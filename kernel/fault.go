package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Fault is raised, with panic, when the kernel is used outside its
// preconditions. It is a caller bug, never a runtime condition.
type Fault struct {
	Op     string
	Reason string
	Task   string
}

func (f Fault) Error() string {
	if f.Task != "" {
		return fmt.Sprintf("kernel: %s: %s (task %s)", f.Op, f.Reason, f.Task)
	}
	return fmt.Sprintf("kernel: %s: %s", f.Op, f.Reason)
}

// FaultInfo contains details about the first fault.
type FaultInfo struct {
	Fault Fault
	Stack []byte
}

var (
	faultActive atomic.Bool
	faultOnce   sync.Once

	faultHandler atomic.Value // func(FaultInfo)
)

// InFaultMode reports whether any kernel has faulted in this process.
func InFaultMode() bool {
	return faultActive.Load()
}

// SetFaultHandler installs a process-wide fault handler.
//
// The handler is invoked at most once (on the first fault). It must not panic.
func SetFaultHandler(fn func(FaultInfo)) {
	faultHandler.Store(fn)
}

func raise(op, reason, task string) {
	f := Fault{Op: op, Reason: reason, Task: task}
	faultOnce.Do(func() {
		faultActive.Store(true)
		info := FaultInfo{Fault: f, Stack: captureStack()}
		if v := faultHandler.Load(); v != nil {
			if fn, ok := v.(func(FaultInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
	panic(f)
}
