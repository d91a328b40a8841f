// Package scenario describes kernel workloads in YAML and runs them on the
// host port.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"kestrel/hal"
	"kestrel/kernel"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid scenario")

// Defaults applied to fields left empty.
const (
	DefaultTick            = time.Millisecond
	DefaultTimerResolution = time.Microsecond
	DefaultDuration        = time.Second
	DefaultTimers          = 8
	DefaultStackWords      = 256
)

// Step operations.
const (
	OpDelay        = "delay"
	OpEnqueue      = "enqueue"
	OpDequeue      = "dequeue"
	OpWait         = "wait"
	OpTrigger      = "trigger"
	OpSpin         = "spin"
	OpYield        = "yield"
	OpTimerEnable  = "timer_enable"
	OpTimerDisable = "timer_disable"
	OpRaise        = "raise"
	OpLog          = "log"
)

// Config is a scenario file.
type Config struct {
	Name            string        `yaml:"name"`
	Tick            time.Duration `yaml:"tick"`
	TimerResolution time.Duration `yaml:"timer_resolution"`
	Duration        time.Duration `yaml:"duration"`
	PriorityLevels  int           `yaml:"priority_levels"`
	Timers          int           `yaml:"timers"`

	Queues         []QueueSpec `yaml:"queues"`
	Events         []EventSpec `yaml:"events"`
	Lines          []LineSpec  `yaml:"lines"`
	SoftwareTimers []TimerSpec `yaml:"software_timers"`
	Tasks          []TaskSpec  `yaml:"tasks"`
}

// QueueSpec declares a queue of integers.
type QueueSpec struct {
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
}

// EventSpec declares an event.
type EventSpec struct {
	Name string `yaml:"name"`
}

// LineSpec declares an external interrupt line. A line with a period is
// raised by a periodic signal; one without is raised by the raise step.
// The signal is high for the last High of each period and raises the line as
// it goes high, so High sets the phase of the interrupts. Zero means half the
// period.
type LineSpec struct {
	Name   string        `yaml:"name"`
	Period time.Duration `yaml:"period"`
	High   time.Duration `yaml:"high"`
	OnIRQ  Action        `yaml:"on_irq"`
}

// TimerSpec enables a software timer at boot.
type TimerSpec struct {
	ID     int           `yaml:"id"`
	After  time.Duration `yaml:"after"`
	Reload bool          `yaml:"reload"`
	OnFire Action        `yaml:"on_fire"`
}

// Action is what an interrupt handler or timer callback does. It runs in
// interrupt context, so it only uses operations that never block.
type Action struct {
	Trigger string `yaml:"trigger"`
	Enqueue string `yaml:"enqueue"`
	Value   int    `yaml:"value"`
	// Preempt hands the CPU to a higher priority task readied by the action
	// without waiting for the next tick.
	Preempt bool `yaml:"preempt"`
}

// TaskSpec declares a task and the program it runs.
type TaskSpec struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Stack    int    `yaml:"stack"`
	// Loop restarts the program when it ends. Otherwise the task returns
	// and stays blocked.
	Loop    bool   `yaml:"loop"`
	Program []Step `yaml:"program"`
}

// Step is one operation of a task program.
type Step struct {
	Op string `yaml:"op"`

	Ticks uint32 `yaml:"ticks"`
	Queue string `yaml:"queue"`
	Value int    `yaml:"value"`
	// NoBlock makes enqueue and dequeue fail instead of blocking.
	NoBlock bool   `yaml:"no_block"`
	Event   string `yaml:"event"`
	Line    string `yaml:"line"`

	Timer  int           `yaml:"timer"`
	After  time.Duration `yaml:"after"`
	Reload bool          `yaml:"reload"`
	OnFire Action        `yaml:"on_fire"`

	For     time.Duration `yaml:"for"`
	Message string        `yaml:"message"`
}

// Load reads, defaults and validates a scenario file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a scenario. Unknown fields are
// errors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills empty fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "scenario"
	}
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	if c.TimerResolution == 0 {
		c.TimerResolution = DefaultTimerResolution
	}
	if c.Duration == 0 {
		c.Duration = DefaultDuration
	}
	if c.PriorityLevels == 0 {
		c.PriorityLevels = kernel.DefaultPriorityLevels
	}
	if c.Timers == 0 {
		c.Timers = DefaultTimers
	}
	for i := range c.Tasks {
		if c.Tasks[i].Stack == 0 {
			c.Tasks[i].Stack = DefaultStackWords
		}
	}
}

// Validate reports every problem in c, each wrapping ErrInvalid.
func (c *Config) Validate() error {
	v := validator{}

	if c.Tick <= 0 {
		v.add("tick must be positive")
	}
	if c.TimerResolution <= 0 {
		v.add("timer_resolution must be positive")
	}
	if c.Duration <= 0 {
		v.add("duration must be positive")
	}
	if c.PriorityLevels < 2 || c.PriorityLevels > math.MaxUint8+1 {
		v.add("priority_levels must be between 2 and %d", math.MaxUint8+1)
	}
	if c.Timers < 0 {
		v.add("timers must not be negative")
	}

	queues := v.names("queue", len(c.Queues), func(i int) string { return c.Queues[i].Name })
	for _, q := range c.Queues {
		if q.Capacity <= 0 {
			v.add("queue %q: capacity must be positive", q.Name)
		}
	}
	events := v.names("event", len(c.Events), func(i int) string { return c.Events[i].Name })
	lines := v.names("line", len(c.Lines), func(i int) string { return c.Lines[i].Name })
	if len(c.Lines) > hal.MaxLines {
		v.add("at most %d lines", hal.MaxLines)
	}

	for _, l := range c.Lines {
		where := fmt.Sprintf("line %q", l.Name)
		if l.Period < 0 || l.High < 0 {
			v.add("%s: period and high must not be negative", where)
		}
		if l.Period == 0 && l.High != 0 {
			v.add("%s: high needs a period", where)
		}
		if l.Period > 0 && l.High > l.Period {
			v.add("%s: high %s exceeds period %s", where, l.High, l.Period)
		}
		v.action(where, l.OnIRQ, queues, events)
	}
	for i, t := range c.SoftwareTimers {
		where := fmt.Sprintf("software_timers[%d]", i)
		v.timer(where, t.ID, t.After, c)
		v.action(where, t.OnFire, queues, events)
	}

	if len(c.Tasks) == 0 {
		v.add("no tasks")
	}
	v.names("task", len(c.Tasks), func(i int) string { return c.Tasks[i].Name })
	for _, t := range c.Tasks {
		where := fmt.Sprintf("task %q", t.Name)
		if t.Priority < 1 || t.Priority >= c.PriorityLevels {
			v.add("%s: priority %d outside 1..%d", where, t.Priority, c.PriorityLevels-1)
		}
		if t.Stack < 0 {
			v.add("%s: stack must not be negative", where)
		}
		if len(t.Program) == 0 {
			v.add("%s: empty program", where)
		}
		for j, s := range t.Program {
			v.step(fmt.Sprintf("%s step %d", where, j), s, c, queues, events, lines)
		}
	}

	return v.err()
}

// Counts converts d to hardware timer counts.
func (c *Config) Counts(d time.Duration) (kernel.Time, bool) {
	if c.TimerResolution <= 0 || d <= 0 {
		return 0, false
	}
	n := d / c.TimerResolution
	if n <= 0 || int64(n) > int64(kernel.TimeMax) {
		return 0, false
	}
	return kernel.Time(n), true
}

type validator struct {
	errs []error
}

func (v *validator) add(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
}

func (v *validator) err() error {
	return errors.Join(v.errs...)
}

func (v *validator) names(kind string, n int, name func(int) string) map[string]bool {
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		s := name(i)
		switch {
		case s == "":
			v.add("%s %d: missing name", kind, i)
		case seen[s]:
			v.add("%s %q: duplicate name", kind, s)
		}
		seen[s] = true
	}
	return seen
}

func (v *validator) timer(where string, id int, after time.Duration, c *Config) {
	if id < 0 || id >= c.Timers {
		v.add("%s: timer %d outside 0..%d", where, id, c.Timers-1)
	}
	if _, ok := c.Counts(after); !ok {
		v.add("%s: after %s is not a positive number of %s counts", where, after, c.TimerResolution)
	}
}

func (v *validator) action(where string, a Action, queues, events map[string]bool) {
	if a.Trigger != "" && !events[a.Trigger] {
		v.add("%s: unknown event %q", where, a.Trigger)
	}
	if a.Enqueue != "" && !queues[a.Enqueue] {
		v.add("%s: unknown queue %q", where, a.Enqueue)
	}
}

func (v *validator) step(where string, s Step, c *Config, queues, events, lines map[string]bool) {
	switch s.Op {
	case OpDelay, OpYield:
	case OpEnqueue, OpDequeue:
		if !queues[s.Queue] {
			v.add("%s: unknown queue %q", where, s.Queue)
		}
	case OpWait, OpTrigger:
		if !events[s.Event] {
			v.add("%s: unknown event %q", where, s.Event)
		}
	case OpSpin:
		if s.For <= 0 {
			v.add("%s: spin needs a positive for", where)
		}
	case OpTimerEnable:
		v.timer(where, s.Timer, s.After, c)
		v.action(where, s.OnFire, queues, events)
	case OpTimerDisable:
		if s.Timer < 0 || s.Timer >= c.Timers {
			v.add("%s: timer %d outside 0..%d", where, s.Timer, c.Timers-1)
		}
	case OpRaise:
		if !lines[s.Line] {
			v.add("%s: unknown line %q", where, s.Line)
		}
	case OpLog:
		if s.Message == "" {
			v.add("%s: log needs a message", where)
		}
	case "":
		v.add("%s: missing op", where)
	default:
		v.add("%s: unknown op %q", where, s.Op)
	}
}
