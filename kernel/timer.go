package kernel

// TimerCallback runs when a software timer expires. It runs inside the timer
// interrupt: it must not block, and must not delay or block the current task.
type TimerCallback func()

// Timer is one logical countdown.
type Timer struct {
	active   bool
	reload   bool
	timeLeft Time
	period   Time
	callback TimerCallback

	// armedInPass marks a timer enabled from a callback of the running
	// Update pass; the pass must not age it.
	armedInPass bool
}

// Timers multiplexes a fixed set of software timers onto the single hardware
// compare timer. Only the timer with the least time left is ever armed; the
// rest are aged lazily whenever the set changes or the hardware timer fires.
type Timers struct {
	k      *Kernel
	timers []Timer
	next   *Timer

	timeTimerSet Time
	updating     bool
}

// NewTimers creates count software timers on k's port.
func (k *Kernel) NewTimers(count int) *Timers {
	if count <= 0 {
		raise("NewTimers", "timer count must be positive", "")
	}
	return &Timers{k: k, timers: make([]Timer, count)}
}

// Len returns the number of timers.
func (m *Timers) Len() int { return len(m.timers) }

// Enable starts or restarts timer id with the given duration in hardware
// counts. A reloading timer restarts from duration each time it fires.
func (m *Timers) Enable(id int, duration Time, callback TimerCallback, reload bool) {
	t := m.timer("Timers.Enable", id)
	if callback == nil {
		raise("Timers.Enable", "nil callback", "")
	}
	port := m.k.port
	port.EnterCriticalSection()
	defer port.ExitCriticalSection()

	if m.updating {
		t.install(duration, callback, reload)
		t.armedInPass = true
		return
	}

	switch {
	case m.next == nil:
		t.install(duration, callback, reload)
		m.next = t
		m.startHardwareTimer(duration)
	case duration < m.next.timeLeft:
		m.update()
		t.install(duration, callback, reload)
		if m.next == nil || t.timeLeft < m.next.timeLeft {
			m.next = t
		}
		m.startHardwareTimer(m.next.timeLeft)
	default:
		// Aged from the last arming point by the next update.
		t.install(duration, callback, reload)
	}
}

// Disable stops timer id. If it was the armed timer the next soonest one is
// armed in its place.
func (m *Timers) Disable(id int) {
	t := m.timer("Timers.Disable", id)
	port := m.k.port
	port.EnterCriticalSection()
	defer port.ExitCriticalSection()

	if !t.active {
		return
	}
	t.active = false
	t.armedInPass = false
	if m.updating || t != m.next {
		return
	}

	m.update()
	if m.next != nil {
		m.startHardwareTimer(m.next.timeLeft)
	}
}

// Update ages every active timer by the counts elapsed since the hardware
// timer was last armed, fires the expired ones in index order and selects the
// new next timer.
func (m *Timers) Update() {
	m.update()
}

// Interrupt is the hardware-timer-compare handler. Callbacks run with
// interrupts unmasked.
func (m *Timers) Interrupt() {
	port := m.k.port
	port.EnterCriticalSection()
	armed := m.next != nil
	port.ExitCriticalSection()
	if !armed {
		return
	}

	m.update()

	port.EnterCriticalSection()
	if m.next != nil {
		m.startHardwareTimer(m.next.timeLeft)
	}
	port.ExitCriticalSection()
}

// Active reports whether timer id is running.
func (m *Timers) Active(id int) bool { return m.timer("Timers.Active", id).active }

// Remaining returns timer id's time left as of the last update.
func (m *Timers) Remaining(id int) Time { return m.timer("Timers.Remaining", id).timeLeft }

// Next returns the id of the armed timer, or -1.
func (m *Timers) Next() int {
	if m.next == nil {
		return -1
	}
	for i := range m.timers {
		if &m.timers[i] == m.next {
			return i
		}
	}
	return -1
}

// TimeSet returns the counter value when the hardware timer was last armed.
func (m *Timers) TimeSet() Time { return m.timeTimerSet }

// update masks interrupts only around the bookkeeping of each timer, so a
// callback runs at the level of whoever called update.
func (m *Timers) update() {
	port := m.k.port
	port.EnterCriticalSection()
	now := port.ReadHardwareTimer()
	var elapsed Time
	if now < m.timeTimerSet {
		elapsed = (TimeMax - m.timeTimerSet) + now
	} else {
		elapsed = now - m.timeTimerSet
	}
	m.updating = true
	port.ExitCriticalSection()

	for i := range m.timers {
		port.EnterCriticalSection()
		t := &m.timers[i]
		var fire TimerCallback
		if t.active && !t.armedInPass {
			if elapsed < t.timeLeft {
				t.timeLeft -= elapsed
			} else {
				if t.reload {
					t.timeLeft = t.period
				} else {
					t.active = false
					t.timeLeft = 0
				}
				fire = t.callback
				m.k.traceTimer(i)
			}
		}
		port.ExitCriticalSection()

		if fire != nil {
			fire()
		}
	}

	port.EnterCriticalSection()
	m.updating = false
	m.next = nil
	for i := range m.timers {
		t := &m.timers[i]
		t.armedInPass = false
		if !t.active {
			continue
		}
		if m.next == nil || t.timeLeft < m.next.timeLeft {
			m.next = t
		}
	}
	port.ExitCriticalSection()
}

func (m *Timers) startHardwareTimer(ticks Time) {
	m.timeTimerSet = m.k.port.ReadHardwareTimer()
	m.k.port.ArmHardwareTimer(ticks)
}

func (m *Timers) timer(op string, id int) *Timer {
	if id < 0 || id >= len(m.timers) {
		raise(op, "timer id out of range", "")
	}
	return &m.timers[id]
}

func (t *Timer) install(duration Time, callback TimerCallback, reload bool) {
	t.active = true
	t.timeLeft = duration
	t.period = duration
	t.callback = callback
	t.reload = reload
}

func (k *Kernel) traceTimer(id int) {
	if k.tracer == nil {
		return
	}
	k.tracer.Trace(TraceEvent{Tick: k.ticks, Kind: EventTimerFire, Timer: id})
}
