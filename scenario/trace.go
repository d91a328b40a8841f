package scenario

import (
	"go.uber.org/zap"

	"kestrel/kernel"
)

type multiTracer []kernel.Tracer

func (m multiTracer) Trace(ev kernel.TraceEvent) {
	for _, t := range m {
		t.Trace(ev)
	}
}

// countingTracer keeps the per-run totals of the report. The kernel calls it
// on the simulated CPU only, so it needs no locking.
type countingTracer struct {
	kinds    map[kernel.EventKind]uint64
	switches map[string]uint64
	fires    []uint64
}

func newCountingTracer(timers int) *countingTracer {
	return &countingTracer{
		kinds:    make(map[kernel.EventKind]uint64),
		switches: make(map[string]uint64),
		fires:    make([]uint64, timers),
	}
}

func (c *countingTracer) Trace(ev kernel.TraceEvent) {
	c.kinds[ev.Kind]++
	switch ev.Kind {
	case kernel.EventSwitch:
		c.switches[ev.Task]++
	case kernel.EventTimerFire:
		if ev.Timer >= 0 && ev.Timer < len(c.fires) {
			c.fires[ev.Timer]++
		}
	}
}

// zapTracer logs kernel events at debug level.
type zapTracer struct {
	log *zap.Logger
}

func (t zapTracer) Trace(ev kernel.TraceEvent) {
	ce := t.log.Check(zap.DebugLevel, ev.Kind.String())
	if ce == nil {
		return
	}
	fields := []zap.Field{zap.Uint64("tick", ev.Tick), zap.Stringer("kind", ev.Kind)}
	switch ev.Kind {
	case kernel.EventSwitch:
		fields = append(fields, zap.String("from", ev.From), zap.String("to", ev.Task))
	case kernel.EventTimerFire:
		fields = append(fields, zap.Int("timer", ev.Timer))
	default:
		fields = append(fields, zap.String("task", ev.Task))
	}
	ce.Write(fields...)
}
