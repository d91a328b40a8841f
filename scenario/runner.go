package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kestrel/hal"
	"kestrel/kernel"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithTracer adds a kernel tracer, such as a monitor.
func WithTracer(t kernel.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracers = append(r.tracers, t)
		}
	}
}

// WithTraceLog logs every kernel event at debug level.
func WithTraceLog() Option {
	return func(r *Runner) { r.traceLog = true }
}

// Runner boots one scenario on a host port.
type Runner struct {
	cfg   *Config
	log   *zap.Logger
	runID uuid.UUID

	tracers  []kernel.Tracer
	traceLog bool
	counts   *countingTracer

	host   *hal.Host
	k      *kernel.Kernel
	timers *kernel.Timers
	queues map[string]*kernel.Queue[int]
	events map[string]*kernel.Event
	lines  map[string]int
	tasks  []*taskRun

	isrDrops uint64
}

type taskRun struct {
	spec *TaskSpec
	task *kernel.Task

	steps    uint64
	sent     uint64
	received uint64
	failed   uint64
	last     []int
}

const lastValues = 8

// New builds the kernel, its objects and tasks for cfg. Nothing runs until
// Run.
func New(cfg *Config, opts ...Option) (r *Runner, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r = &Runner{
		cfg:    cfg,
		log:    zap.NewNop(),
		runID:  uuid.New(),
		queues: make(map[string]*kernel.Queue[int]),
		events: make(map[string]*kernel.Event),
		lines:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("scenario", cfg.Name), zap.String("run_id", r.runID.String()))

	defer func() {
		if rec := recover(); rec != nil {
			f, ok := rec.(kernel.Fault)
			if !ok {
				panic(rec)
			}
			r, err = nil, fmt.Errorf("build scenario %s: %w", cfg.Name, f)
		}
	}()

	r.counts = newCountingTracer(cfg.Timers)
	tracers := append([]kernel.Tracer{r.counts}, r.tracers...)
	if r.traceLog {
		tracers = append(tracers, zapTracer{log: r.log.Named("trace")})
	}

	r.host = hal.NewHost(hal.HostConfig{
		Tick:            cfg.Tick,
		TimerResolution: cfg.TimerResolution,
		Logger:          r.log,
	})
	r.k = kernel.New(r.host,
		kernel.WithPriorityLevels(cfg.PriorityLevels),
		kernel.WithTracer(multiTracer(tracers)),
	)
	r.k.Initialize()

	r.timers = r.k.NewTimers(cfg.Timers)
	r.host.SetTimerHandler(r.timers.Interrupt)

	for _, q := range cfg.Queues {
		r.queues[q.Name] = kernel.NewQueue(r.k, make([]int, q.Capacity))
	}
	for _, e := range cfg.Events {
		r.events[e.Name] = kernel.NewEvent(r.k)
	}
	for _, l := range cfg.Lines {
		var n int
		if l.Period > 0 {
			n, err = r.host.AddSignalLine(l.Name, l.Period, l.High, r.action(l.OnIRQ))
		} else {
			n, err = r.host.AddLine(l.Name, r.action(l.OnIRQ))
		}
		if err != nil {
			return nil, fmt.Errorf("build scenario %s: %w", cfg.Name, err)
		}
		r.lines[l.Name] = n
	}
	for _, t := range cfg.SoftwareTimers {
		counts, _ := cfg.Counts(t.After)
		r.timers.Enable(t.ID, counts, r.action(t.OnFire), t.Reload)
	}
	for i := range cfg.Tasks {
		spec := &cfg.Tasks[i]
		tr := &taskRun{spec: spec}
		tr.task = kernel.NewTask(spec.Name, kernel.Priority(spec.Priority), make([]uintptr, spec.Stack), r.program(tr))
		r.tasks = append(r.tasks, tr)
		r.k.StartTask(tr.task)
	}
	return r, nil
}

// RunID identifies this run in logs and reports.
func (r *Runner) RunID() uuid.UUID { return r.runID }

// Host returns the port the scenario runs on.
func (r *Runner) Host() *hal.Host { return r.host }

// Run runs the scenario for its duration, or until ctx is done or a task
// faults. A runner runs once.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	r.log.Info("scenario started",
		zap.Int("tasks", len(r.tasks)),
		zap.Duration("duration", r.cfg.Duration),
	)
	start := time.Now()
	err := r.host.Run(ctx, r.k)
	rep := r.report(start, time.Since(start))
	if err != nil {
		if errors.Is(err, hal.ErrStopped) {
			return nil, fmt.Errorf("scenario %s: already run: %w", r.cfg.Name, err)
		}
		r.log.Error("scenario failed", zap.Error(err))
		return rep, fmt.Errorf("scenario %s: %w", r.cfg.Name, err)
	}
	r.log.Info("scenario finished",
		zap.Uint64("ticks", rep.Ticks),
		zap.Uint64("switches", rep.Host.Switches),
		zap.Duration("elapsed", rep.Elapsed),
	)
	return rep, nil
}

// LogProgress logs the host counters. It is safe while the scenario runs.
func (r *Runner) LogProgress() error {
	st := r.host.Stats()
	r.log.Debug("progress",
		zap.Uint64("ticks", st.Ticks),
		zap.Uint64("switches", st.Switches),
		zap.Uint64("timer_irqs", st.TimerIRQs),
		zap.Uint64("line_irqs", st.LineIRQs),
	)
	return nil
}

// program returns the entry function of a task.
func (r *Runner) program(tr *taskRun) func() {
	return func() {
		for {
			for i := range tr.spec.Program {
				r.exec(tr, &tr.spec.Program[i])
				tr.steps++
				r.host.Poll()
			}
			if !tr.spec.Loop {
				return
			}
		}
	}
}

func (r *Runner) exec(tr *taskRun, s *Step) {
	switch s.Op {
	case OpDelay:
		r.k.DelayCurrentTask(s.Ticks)
	case OpEnqueue:
		q := r.queues[s.Queue]
		if s.NoBlock {
			if !q.Enqueue(s.Value) {
				tr.failed++
				return
			}
		} else {
			q.EnqueueBlocking(s.Value)
		}
		tr.sent++
	case OpDequeue:
		q := r.queues[s.Queue]
		var v int
		if s.NoBlock {
			var ok bool
			if v, ok = q.Dequeue(); !ok {
				tr.failed++
				return
			}
		} else {
			v = q.DequeueBlocking()
		}
		tr.received++
		tr.last = append(tr.last, v)
		if len(tr.last) > lastValues {
			tr.last = tr.last[len(tr.last)-lastValues:]
		}
	case OpWait:
		r.events[s.Event].Wait()
	case OpTrigger:
		r.events[s.Event].Trigger()
	case OpSpin:
		deadline := time.Now().Add(s.For)
		for time.Now().Before(deadline) {
			r.host.Poll()
		}
	case OpYield:
		r.k.Yield()
	case OpTimerEnable:
		counts, _ := r.cfg.Counts(s.After)
		r.timers.Enable(s.Timer, counts, r.action(s.OnFire), s.Reload)
	case OpTimerDisable:
		r.timers.Disable(s.Timer)
	case OpRaise:
		_ = r.host.RaiseIRQ(r.lines[s.Line])
	case OpLog:
		r.log.Info(s.Message,
			zap.String("task", tr.spec.Name),
			zap.Uint64("tick", r.k.Ticks()),
		)
	}
}

// action returns an interrupt-context handler.
func (r *Runner) action(a Action) func() {
	var (
		ev *kernel.Event
		q  *kernel.Queue[int]
	)
	if a.Trigger != "" {
		ev = r.events[a.Trigger]
	}
	if a.Enqueue != "" {
		q = r.queues[a.Enqueue]
	}
	return func() {
		if ev != nil {
			ev.Trigger()
		}
		if q != nil && !q.Enqueue(a.Value) {
			r.isrDrops++
		}
		if a.Preempt {
			r.k.SwitchToHighestPriorityTaskFromISR()
		}
	}
}
