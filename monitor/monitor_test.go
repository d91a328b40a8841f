package monitor

import (
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/hal"
	"kestrel/kernel"
)

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, hal.Framebuffer) {
	t.Helper()
	fb := hal.NewFramebuffer(320, 240)
	m, err := New(fb, cfg)
	require.NoError(t, err)
	return m, fb
}

func TestMonitorTracksTaskStates(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	for _, ev := range []kernel.TraceEvent{
		{Tick: 0, Kind: kernel.EventReady, Task: "producer"},
		{Tick: 0, Kind: kernel.EventReady, Task: "consumer"},
		{Tick: 1, Kind: kernel.EventSwitch, Task: "consumer", From: "idle"},
		{Tick: 1, Kind: kernel.EventBlock, Task: "consumer"},
		{Tick: 1, Kind: kernel.EventSwitch, Task: "producer", From: "consumer"},
		{Tick: 2, Kind: kernel.EventWake, Task: "consumer"},
		{Tick: 2, Kind: kernel.EventSwitch, Task: "consumer", From: "producer"},
		{Tick: 3, Kind: kernel.EventTimerFire, Timer: 2},
		{Tick: 3, Kind: kernel.EventSleep, Task: "consumer"},
	} {
		m.Trace(ev)
	}

	require.NoError(t, m.Step())

	want := []TaskRow{
		{Name: "producer", State: kernel.TaskReady, Runs: 1},
		{Name: "consumer", State: kernel.TaskSleeping, Runs: 2},
		{Name: "idle", State: kernel.TaskDormant},
	}
	if diff := cmp.Diff(want, m.Tasks()); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1), m.fires)
	assert.Equal(t, uint64(3), m.tick)
}

func TestMonitorShowsSuspendedTask(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	m.Trace(kernel.TraceEvent{Tick: 1, Kind: kernel.EventSwitch, Task: "once", From: "idle"})
	m.Trace(kernel.TraceEvent{Tick: 1, Kind: kernel.EventSuspend, Task: "once"})
	m.Trace(kernel.TraceEvent{Tick: 1, Kind: kernel.EventSwitch, Task: "idle", From: "once"})
	require.NoError(t, m.Step())

	rows := m.Tasks()
	require.Len(t, rows, 2)
	assert.Equal(t, TaskRow{Name: "once", State: kernel.TaskSuspended, Runs: 1}, rows[1])
	assert.Equal(t, kernel.TaskRunning, rows[0].State)
}

func TestMonitorDropsBeyondBacklog(t *testing.T) {
	m, _ := newTestMonitor(t, Config{Backlog: 2})
	for i := 0; i < 5; i++ {
		m.Trace(kernel.TraceEvent{Kind: kernel.EventReady, Task: "t"})
	}
	assert.Equal(t, uint64(3), m.Dropped())

	require.NoError(t, m.Step())
	assert.Equal(t, uint64(2), m.events)
}

func TestMonitorDrawsToFramebuffer(t *testing.T) {
	m, fb := newTestMonitor(t, Config{})
	m.Trace(kernel.TraceEvent{Tick: 7, Kind: kernel.EventSwitch, Task: "worker", From: "idle"})
	require.NoError(t, m.Step())

	bg := hal.RGB565(colorBackground.R, colorBackground.G, colorBackground.B)
	buf := fb.Buffer()
	var lit int
	for i := 0; i+1 < len(buf); i += 2 {
		if p := uint16(buf[i]) | uint16(buf[i+1])<<8; p != bg && p != 0 {
			lit++
		}
	}
	assert.NotZero(t, lit, "expected text pixels")
}

func TestNewRejectsSmallFramebuffer(t *testing.T) {
	_, err := New(hal.NewFramebuffer(64, 40), Config{})
	assert.Error(t, err)
	_, err = New(nil, Config{})
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		ev   kernel.TraceEvent
		want string
	}{
		{kernel.TraceEvent{Tick: 12, Kind: kernel.EventSwitch, Task: "b", From: "a"}, "    12 switch a > b"},
		{kernel.TraceEvent{Tick: 3, Kind: kernel.EventTimerFire, Timer: 4}, "     3 timer  #4"},
		{kernel.TraceEvent{Tick: 5, Kind: kernel.EventSleep, Task: "a"}, "     5 sleep  a"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatEvent(tt.ev))
	}
}

func TestFBDisplayScroll(t *testing.T) {
	fb := hal.NewFramebuffer(4, 6)
	d := newFBDisplay(fb, 2, 3)
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}

	d.SetPixel(1, 0, white)
	d.SetScroll(1)
	require.NoError(t, d.Display())

	pixelAt := func(x, y int) uint16 {
		off := y*fb.StrideBytes() + x*2
		return uint16(fb.Buffer()[off]) | uint16(fb.Buffer()[off+1])<<8
	}
	// Memory row 0 is shown last when the band scrolls by one row.
	assert.Equal(t, hal.RGB565(255, 255, 255), pixelAt(1, 4))
	assert.Zero(t, pixelAt(1, 2))
	assert.Zero(t, pixelAt(1, 0), "rows above the band are untouched")
}

func TestFBDisplayClipsFill(t *testing.T) {
	fb := hal.NewFramebuffer(4, 4)
	d := newFBDisplay(fb, 0, 4)
	require.NoError(t, d.FillRectangle(-2, -2, 3, 3, color.RGBA{R: 255, A: 255}))
	require.NoError(t, d.Display())

	red := hal.RGB565(255, 0, 0)
	buf := fb.Buffer()
	assert.Equal(t, red, uint16(buf[0])|uint16(buf[1])<<8)
	assert.Zero(t, uint16(buf[2])|uint16(buf[3])<<8)
}
