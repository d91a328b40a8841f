//go:build !tinygo

package hal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// irqLine is an external interrupt line. A line with a period is also a
// signal source: a square wave that is low for period-high and then high for
// the rest of each period, raising the line on every rising edge.
type irqLine struct {
	name    string
	handler func()

	t0     time.Time
	now    func() time.Time
	period time.Duration
	high   time.Duration
}

// AddLine registers an external interrupt line serviced by handler and
// returns its number. Lines are added before Run.
func (h *Host) AddLine(name string, handler func()) (int, error) {
	return h.addLine(&irqLine{name: name, handler: handler})
}

// AddSignalLine registers a line that a periodic signal raises on each
// rising edge. Periods are counted from when the line is added, and the edge
// comes period-high into each one. A high of zero means half the period.
func (h *Host) AddSignalLine(name string, period, high time.Duration, handler func()) (int, error) {
	if period <= 0 {
		return -1, fmt.Errorf("hal: line %s: invalid period %s", name, period)
	}
	return h.addLine(newSignalLine(name, period, high, time.Now, handler))
}

func (h *Host) addLine(l *irqLine) (int, error) {
	if h.ran.Load() {
		return -1, ErrStopped
	}
	if strings.TrimSpace(l.name) == "" {
		return -1, errors.New("hal: line needs a name")
	}
	if l.handler == nil {
		return -1, fmt.Errorf("hal: line %s: nil handler", l.name)
	}
	if len(h.lines) >= MaxLines {
		return -1, fmt.Errorf("hal: line %s: at most %d lines", l.name, MaxLines)
	}
	for _, other := range h.lines {
		if other.name == l.name {
			return -1, fmt.Errorf("hal: line %s: duplicate name", l.name)
		}
	}
	h.lines = append(h.lines, l)
	return len(h.lines) - 1, nil
}

// Line returns the number of the line called name.
func (h *Host) Line(name string) (int, bool) {
	for i, l := range h.lines {
		if l.name == name {
			return i, true
		}
	}
	return -1, false
}

// RaiseIRQ pends external interrupt line. It is safe from any goroutine,
// including interrupt handlers.
func (h *Host) RaiseIRQ(line int) error {
	if line < 0 || line >= len(h.lines) {
		return fmt.Errorf("hal: no interrupt line %d", line)
	}
	h.pend(irqLineBase + line)
	return nil
}

func newSignalLine(name string, period, high time.Duration, now func() time.Time, handler func()) *irqLine {
	if now == nil {
		now = time.Now
	}
	if high <= 0 {
		high = period / 2
	}
	if high > period {
		high = period
	}
	return &irqLine{
		name:    name,
		handler: handler,
		t0:      now(),
		now:     now,
		period:  period,
		high:    high,
	}
}

// nextEdge returns the first rising edge strictly after the line's clock.
func (l *irqLine) nextEdge() time.Time {
	low := l.period - l.high
	elapsed := l.now().Sub(l.t0)
	if elapsed < low {
		return l.t0.Add(low)
	}
	n := (elapsed-low)/l.period + 1
	return l.t0.Add(low + n*l.period)
}

func (h *Host) signalLoop(ctx context.Context, line int, l *irqLine) error {
	for {
		t := time.NewTimer(time.Until(l.nextEdge()))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-h.done:
			t.Stop()
			return nil
		case <-t.C:
			h.pend(irqLineBase + line)
		}
	}
}
