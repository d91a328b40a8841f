// Package monitor renders kernel activity on a framebuffer: a task-state
// panel at the top and a scrolling console of trace events below it.
package monitor

import (
	"errors"
	"fmt"
	"image/color"
	"sync"

	"kestrel/hal"
	"kestrel/kernel"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyterm"
)

const (
	fontHeight = 8
	fontOffset = 6
)

var (
	colorBackground = color.RGBA{R: 0x10, G: 0x10, B: 0x18, A: 0xFF}
	colorHeader     = color.RGBA{R: 0x80, G: 0xC0, B: 0xFF, A: 0xFF}
	colorRule       = color.RGBA{R: 0x40, G: 0x40, B: 0x50, A: 0xFF}
)

// Config controls the monitor layout.
type Config struct {
	// PanelRows is the number of task rows in the panel. Defaults to 8.
	PanelRows int
	// Backlog bounds the events buffered between two Steps. Events beyond
	// it are counted as dropped. Defaults to 4096.
	Backlog int
	// Title is shown in the panel header.
	Title string
}

// TaskRow is the monitor's view of one task.
type TaskRow struct {
	Name  string
	State kernel.TaskState
	// Runs counts switches to the task.
	Runs uint64
}

// Monitor is a kernel.Tracer that renders what it observes.
//
// Trace may be called from the kernel with interrupts masked; Step renders on
// the caller's goroutine, normally the window or headless runner.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	pending []kernel.TraceEvent
	dropped uint64

	fb      hal.Framebuffer
	panel   *fbDisplay
	console *fbDisplay
	term    *tinyterm.Terminal

	rows   []TaskRow
	index  map[string]int
	fires  uint64
	tick   uint64
	events uint64
}

var _ kernel.Tracer = (*Monitor)(nil)

// New lays the monitor out on fb, which must be an RGB565 framebuffer with
// room for the panel and at least one console line.
func New(fb hal.Framebuffer, cfg Config) (*Monitor, error) {
	if cfg.PanelRows <= 0 {
		cfg.PanelRows = 8
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 4096
	}
	if cfg.Title == "" {
		cfg.Title = "kestrel"
	}

	panelHeight := (cfg.PanelRows+1)*fontHeight + 2
	if fb == nil || fb.Format() != hal.PixelFormatRGB565 {
		return nil, errors.New("monitor: need an RGB565 framebuffer")
	}
	if fb.Height() < panelHeight+fontHeight {
		return nil, fmt.Errorf("monitor: framebuffer height %d below %d", fb.Height(), panelHeight+fontHeight)
	}
	m := &Monitor{
		cfg:     cfg,
		fb:      fb,
		panel:   newFBDisplay(fb, 0, panelHeight),
		console: newFBDisplay(fb, panelHeight, fb.Height()-panelHeight),
		index:   make(map[string]int),
	}
	m.panel.FillRectangle(0, 0, int16(m.panel.width), int16(m.panel.height), colorBackground)

	m.term = tinyterm.NewTerminal(m.console)
	m.term.Configure(&tinyterm.Config{
		Font:       &tinyfont.TomThumb,
		FontHeight: fontHeight,
		FontOffset: fontOffset,
	})
	return m, nil
}

// Trace buffers ev for the next Step.
func (m *Monitor) Trace(ev kernel.TraceEvent) {
	m.mu.Lock()
	if len(m.pending) < m.cfg.Backlog {
		m.pending = append(m.pending, ev)
	} else {
		m.dropped++
	}
	m.mu.Unlock()
}

// Step applies the buffered events and redraws the framebuffer.
func (m *Monitor) Step() error {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ev := range batch {
		m.apply(ev)
		fmt.Fprintf(m.term, "%s\r\n", FormatEvent(ev))
	}
	m.drawPanel()
	if err := m.panel.Display(); err != nil {
		return err
	}
	return m.console.Display()
}

// Tasks returns the task rows in order of first appearance.
func (m *Monitor) Tasks() []TaskRow {
	return append([]TaskRow(nil), m.rows...)
}

// Dropped returns the number of events lost to a full backlog.
func (m *Monitor) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// FormatEvent renders ev as one console line.
func FormatEvent(ev kernel.TraceEvent) string {
	switch ev.Kind {
	case kernel.EventSwitch:
		return fmt.Sprintf("%6d switch %s > %s", ev.Tick, ev.From, ev.Task)
	case kernel.EventTimerFire:
		return fmt.Sprintf("%6d timer  #%d", ev.Tick, ev.Timer)
	default:
		return fmt.Sprintf("%6d %-6s %s", ev.Tick, ev.Kind, ev.Task)
	}
}

func (m *Monitor) apply(ev kernel.TraceEvent) {
	m.events++
	m.tick = ev.Tick
	switch ev.Kind {
	case kernel.EventReady, kernel.EventWake:
		m.row(ev.Task).State = kernel.TaskReady
	case kernel.EventSleep:
		m.row(ev.Task).State = kernel.TaskSleeping
	case kernel.EventBlock:
		m.row(ev.Task).State = kernel.TaskBlocked
	case kernel.EventSuspend:
		m.row(ev.Task).State = kernel.TaskSuspended
	case kernel.EventSwitch:
		if ev.From != "" {
			if from := m.row(ev.From); from.State == kernel.TaskRunning {
				from.State = kernel.TaskReady
			}
		}
		to := m.row(ev.Task)
		to.State = kernel.TaskRunning
		to.Runs++
	case kernel.EventTimerFire:
		m.fires++
	}
}

func (m *Monitor) row(name string) *TaskRow {
	i, ok := m.index[name]
	if !ok {
		i = len(m.rows)
		m.index[name] = i
		m.rows = append(m.rows, TaskRow{Name: name})
	}
	return &m.rows[i]
}

func (m *Monitor) drawPanel() {
	d := m.panel
	d.FillRectangle(0, 0, int16(d.width), int16(d.height), colorBackground)

	header := fmt.Sprintf("%s  tick %d  events %d  timers %d", m.cfg.Title, m.tick, m.events, m.fires)
	if n := m.Dropped(); n > 0 {
		header += fmt.Sprintf("  dropped %d", n)
	}
	tinyfont.WriteLine(d, &tinyfont.TomThumb, 2, fontOffset, header, colorHeader)

	for i, r := range m.rows {
		if i >= m.cfg.PanelRows {
			break
		}
		y := int16((i+1)*fontHeight + fontOffset)
		line := fmt.Sprintf("%-12s %-8s runs %d", r.Name, r.State, r.Runs)
		tinyfont.WriteLine(d, &tinyfont.TomThumb, 2, y, line, stateColor(r.State))
	}
	d.FillRectangle(0, int16(d.height-1), int16(d.width), 1, colorRule)
}

func stateColor(s kernel.TaskState) color.RGBA {
	switch s {
	case kernel.TaskRunning:
		return color.RGBA{R: 0x60, G: 0xE0, B: 0x60, A: 0xFF}
	case kernel.TaskSleeping:
		return color.RGBA{R: 0xE0, G: 0xC0, B: 0x40, A: 0xFF}
	case kernel.TaskBlocked:
		return color.RGBA{R: 0xE0, G: 0x50, B: 0x50, A: 0xFF}
	case kernel.TaskSuspended:
		return color.RGBA{R: 0x70, G: 0x70, B: 0x80, A: 0xFF}
	default:
		return color.RGBA{R: 0xD0, G: 0xD0, B: 0xD0, A: 0xFF}
	}
}
