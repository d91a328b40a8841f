//go:build !tinygo

package hal

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kestrel/kernel"
)

// ErrStopped is returned by Run on a host that has already been run.
var ErrStopped = errors.New("hal: host stopped")

// Interrupt numbers, in the order a pass services them.
const (
	irqReschedule = iota
	irqTick
	irqTimer
	irqLineBase

	// MaxLines is the number of external interrupt lines a host supports.
	MaxLines = 64 - irqLineBase
)

// HostConfig configures a Host.
type HostConfig struct {
	// Tick is the scheduler tick period. Defaults to 1ms.
	Tick time.Duration
	// TimerResolution is the duration of one hardware timer count.
	// Defaults to 1us.
	TimerResolution time.Duration
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// HostStats counts interrupts taken by a host.
type HostStats struct {
	Ticks     uint64
	TimerIRQs uint64
	LineIRQs  uint64
	Switches  uint64
	Coalesced uint64
}

// Host is a kernel.Port for desktop hosts.
//
// Every task context is a goroutine, but only the goroutine of the kernel's
// current task ever runs: it owns the simulated CPU and hands it over on a
// context switch. Interrupts raised by other goroutines are pended and taken
// by the owner at its next interrupt-enable point (the outermost
// ExitCriticalSection, Idle, or Poll). Code that computes for a long time
// without calling into the kernel should call Poll.
type Host struct {
	cfg   HostConfig
	log   *zap.Logger
	start time.Time

	k       *kernel.Kernel
	onTimer func()
	lines   []*irqLine

	contexts map[uintptr]*cpuContext
	nextSP   uintptr
	running  *cpuContext

	// CPU state, owned by the running context.
	depth int
	inISR bool

	pending atomic.Uint64
	wake    chan struct{}

	armMu    sync.Mutex
	deadline time.Time
	rearm    chan struct{}

	ran      atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error

	ticks, timerIRQs, lineIRQs, switches, coalesced atomic.Uint64
}

var (
	_ kernel.Port  = (*Host)(nil)
	_ kernel.Idler = (*Host)(nil)
)

type cpuContext struct {
	sp      uintptr
	entry   func()
	run     chan struct{}
	started bool
}

// NewHost returns a host port. Create the kernel with kernel.New(host), add
// tasks and interrupt lines, then call Run.
func NewHost(cfg HostConfig) *Host {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Millisecond
	}
	if cfg.TimerResolution <= 0 {
		cfg.TimerResolution = time.Microsecond
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{
		cfg:      cfg,
		log:      log.Named("host"),
		start:    time.Now(),
		contexts: make(map[uintptr]*cpuContext),
		wake:     make(chan struct{}, 1),
		rearm:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (h *Host) Config() HostConfig { return h.cfg }

// SetTimerHandler installs the hardware-timer-compare handler, normally
// (*kernel.Timers).Interrupt. Call before Run.
func (h *Host) SetTimerHandler(fn func()) { h.onTimer = fn }

// InitializeStack creates a task context. The stack itself is not used: the
// context runs on its own goroutine, started the first time it is switched
// to.
func (h *Host) InitializeStack(stack []uintptr, entry func()) uintptr {
	h.nextSP += 0x100
	h.contexts[h.nextSP] = &cpuContext{
		sp:    h.nextSP,
		entry: entry,
		run:   make(chan struct{}, 1),
	}
	return h.nextSP
}

func (h *Host) EnterCriticalSection() { h.depth++ }

func (h *Host) ExitCriticalSection() {
	h.depth--
	if h.depth < 0 {
		panic("hal: unbalanced critical section")
	}
	if h.depth == 0 && !h.inISR && h.running != nil {
		h.serviceInterrupts()
	}
}

// ArmHardwareTimer sets the compare register ticks counts from now.
func (h *Host) ArmHardwareTimer(ticks kernel.Time) {
	d := time.Duration(ticks) * h.cfg.TimerResolution
	h.armMu.Lock()
	h.deadline = time.Now().Add(d)
	h.armMu.Unlock()
	select {
	case h.rearm <- struct{}{}:
	default:
	}
}

// ReadHardwareTimer returns the free-running counter. It wraps at
// kernel.TimeMax.
func (h *Host) ReadHardwareTimer() kernel.Time {
	return kernel.Time(uint64(time.Since(h.start) / h.cfg.TimerResolution))
}

func (h *Host) RequestReschedule() { h.pend(irqReschedule) }

// Idle waits for an interrupt and services it.
func (h *Host) Idle() {
	if h.pending.Load() == 0 {
		select {
		case <-h.wake:
		case <-h.done:
			runtime.Goexit()
		}
	}
	h.Poll()
}

// Poll opens an interrupt window for the running context.
func (h *Host) Poll() {
	h.EnterCriticalSection()
	h.ExitCriticalSection()
}

// Stats returns interrupt counters.
func (h *Host) Stats() HostStats {
	return HostStats{
		Ticks:     h.ticks.Load(),
		TimerIRQs: h.timerIRQs.Load(),
		LineIRQs:  h.lineIRQs.Load(),
		Switches:  h.switches.Load(),
		Coalesced: h.coalesced.Load(),
	}
}

// Run boots k, which must be initialized on this host, and runs it until ctx
// is done or a task faults. A task fault is returned as an error wrapping the
// panic value.
func (h *Host) Run(ctx context.Context, k *kernel.Kernel) error {
	if k == nil {
		return errors.New("hal: nil kernel")
	}
	if !h.ran.CompareAndSwap(false, true) {
		return ErrStopped
	}
	if k.Port() != kernel.Port(h) {
		return errors.New("hal: kernel belongs to another port")
	}
	first := h.contexts[k.StackPointer()]
	if first == nil {
		return errors.New("hal: kernel not initialized")
	}
	h.k = k
	h.running = first

	h.log.Info("host started",
		zap.Duration("tick", h.cfg.Tick),
		zap.Duration("timer_resolution", h.cfg.TimerResolution),
		zap.Int("lines", len(h.lines)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-h.done:
		}
		h.stop()
		return nil
	})
	g.Go(func() error { return h.tickLoop(gctx) })
	g.Go(func() error { return h.timerLoop(gctx) })
	for i, l := range h.lines {
		if l.period > 0 {
			g.Go(func() error { return h.signalLoop(gctx, i, l) })
		}
	}
	h.resume(first)

	err := g.Wait()
	h.wg.Wait()
	h.running = nil

	st := h.Stats()
	h.log.Info("host stopped",
		zap.Uint64("ticks", st.Ticks),
		zap.Uint64("timer_irqs", st.TimerIRQs),
		zap.Uint64("line_irqs", st.LineIRQs),
		zap.Uint64("switches", st.Switches),
		zap.Uint64("coalesced", st.Coalesced),
	)
	if ferr := h.failure(); ferr != nil {
		return ferr
	}
	return err
}

func (h *Host) pend(irq int) {
	bit := uint64(1) << irq
	for {
		old := h.pending.Load()
		if old&bit != 0 {
			if irq != irqReschedule {
				h.coalesced.Add(1)
			}
			break
		}
		if h.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Host) serviceInterrupts() {
	for {
		select {
		case <-h.done:
			runtime.Goexit()
		default:
		}
		bits := h.pending.Swap(0)
		if bits == 0 {
			return
		}
		h.inISR = true
		h.dispatch(bits)
		h.inISR = false
		h.switchContext()
	}
}

func (h *Host) dispatch(bits uint64) {
	if bits&(1<<irqReschedule) != 0 {
		h.k.SwitchToNextAvailableTask()
	}
	if bits&(1<<irqTick) != 0 {
		h.ticks.Add(1)
		h.k.Tick()
	}
	if bits&(1<<irqTimer) != 0 {
		h.timerIRQs.Add(1)
		if h.onTimer != nil {
			h.onTimer()
		}
	}
	for i, l := range h.lines {
		if bits&(1<<(irqLineBase+i)) != 0 {
			h.lineIRQs.Add(1)
			l.handler()
		}
	}
}

// switchContext hands the CPU to the context the kernel selected and parks
// the calling one.
func (h *Host) switchContext() {
	prev := h.running
	sp := h.k.StackPointer()
	next := h.contexts[sp]
	if next == prev {
		return
	}
	if next == nil {
		h.fail(fmt.Errorf("hal: no context for stack pointer %#x", sp))
		runtime.Goexit()
	}
	h.switches.Add(1)
	h.running = next
	h.resume(next)
	h.park(prev)
}

func (h *Host) resume(c *cpuContext) {
	if !c.started {
		c.started = true
		h.launch(c)
		return
	}
	c.run <- struct{}{}
}

func (h *Host) park(c *cpuContext) {
	select {
	case <-c.run:
	case <-h.done:
		runtime.Goexit()
	}
}

func (h *Host) launch(c *cpuContext) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.recoverTask()
		c.entry()
		h.retire()
	}()
}

// retire suspends a task whose entry function returned. Its goroutine parks
// in the switch and is released when the host stops.
func (h *Host) retire() {
	h.log.Debug("task returned", zap.String("task", h.k.CurrentTask().Name()))
	h.k.SuspendCurrentTask()
	panic("hal: suspended task resumed")
}

func (h *Host) recoverTask() {
	r := recover()
	if r == nil {
		return
	}
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	h.fail(fmt.Errorf("hal: task %s: %w", h.k.CurrentTask().Name(), err))
}

func (h *Host) fail(err error) {
	h.errMu.Lock()
	if h.err == nil {
		h.err = err
		h.log.Error("host fault", zap.Error(err))
	}
	h.errMu.Unlock()
	h.stop()
}

func (h *Host) failure() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Host) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Host) tickLoop(ctx context.Context) error {
	t := time.NewTicker(h.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case <-t.C:
			h.pend(irqTick)
		}
	}
}

// timerLoop models the compare match. It fires once per arming; a stale
// match only costs the handler an extra pass.
func (h *Host) timerLoop(ctx context.Context) error {
	var (
		t    *time.Timer
		fire <-chan time.Time
	)
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case <-h.rearm:
			h.armMu.Lock()
			deadline := h.deadline
			h.armMu.Unlock()
			if t != nil {
				t.Stop()
			}
			t = time.NewTimer(time.Until(deadline))
			fire = t.C
		case <-fire:
			fire = nil
			h.pend(irqTimer)
		}
	}
}
