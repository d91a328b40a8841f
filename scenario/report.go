package scenario

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"kestrel/hal"
	"kestrel/kernel"
)

// Report summarizes a run.
type Report struct {
	RunID    string        `yaml:"run_id"`
	Scenario string        `yaml:"scenario"`
	Started  time.Time     `yaml:"started"`
	Elapsed  time.Duration `yaml:"elapsed"`
	Ticks    uint64        `yaml:"ticks"`

	Host     hal.HostStats     `yaml:"host"`
	Events   map[string]uint64 `yaml:"events"`
	ISRDrops uint64            `yaml:"isr_drops"`

	Tasks  []TaskReport  `yaml:"tasks"`
	Queues []QueueReport `yaml:"queues,omitempty"`
	Timers []TimerReport `yaml:"timers,omitempty"`
}

// TaskReport is the final state of one task.
type TaskReport struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	State    string `yaml:"state"`
	Switches uint64 `yaml:"switches"`
	Steps    uint64 `yaml:"steps"`
	Sent     uint64 `yaml:"sent,omitempty"`
	Received uint64 `yaml:"received,omitempty"`
	Failed   uint64 `yaml:"failed,omitempty"`
	// Last holds the most recent values the task dequeued.
	Last []int `yaml:"last,omitempty,flow"`
}

// QueueReport is the final fill level of a queue.
type QueueReport struct {
	Name string `yaml:"name"`
	Len  int    `yaml:"len"`
	Cap  int    `yaml:"cap"`
}

// TimerReport counts the expiries of a software timer.
type TimerReport struct {
	ID     int    `yaml:"id"`
	Fires  uint64 `yaml:"fires"`
	Active bool   `yaml:"active"`
}

// report must only run once the host has stopped.
func (r *Runner) report(start time.Time, elapsed time.Duration) *Report {
	rep := &Report{
		RunID:    r.runID.String(),
		Scenario: r.cfg.Name,
		Started:  start,
		Elapsed:  elapsed,
		Ticks:    r.k.Ticks(),
		Host:     r.host.Stats(),
		Events:   make(map[string]uint64, len(r.counts.kinds)),
		ISRDrops: r.isrDrops,
	}
	for kind, n := range r.counts.kinds {
		rep.Events[kind.String()] = n
	}

	states := make(map[string]kernel.TaskState, len(r.tasks))
	for _, info := range r.k.Snapshot() {
		states[info.Name] = info.State
	}
	for _, tr := range r.tasks {
		rep.Tasks = append(rep.Tasks, TaskReport{
			Name:     tr.spec.Name,
			Priority: tr.spec.Priority,
			State:    states[tr.spec.Name].String(),
			Switches: r.counts.switches[tr.spec.Name],
			Steps:    tr.steps,
			Sent:     tr.sent,
			Received: tr.received,
			Failed:   tr.failed,
			Last:     append([]int(nil), tr.last...),
		})
	}

	for _, q := range r.cfg.Queues {
		kq := r.queues[q.Name]
		rep.Queues = append(rep.Queues, QueueReport{Name: q.Name, Len: kq.Len(), Cap: kq.Cap()})
	}
	for id, n := range r.counts.fires {
		if n == 0 && !r.timers.Active(id) {
			continue
		}
		rep.Timers = append(rep.Timers, TimerReport{ID: id, Fires: n, Active: r.timers.Active(id)})
	}
	return rep
}

// WriteYAML encodes the report as YAML.
func (rep *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}

// WriteText renders the report as aligned tables.
func (rep *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "scenario\t%s\n", rep.Scenario)
	fmt.Fprintf(tw, "run\t%s\n", rep.RunID)
	fmt.Fprintf(tw, "elapsed\t%s\n", rep.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(tw, "ticks\t%d\n", rep.Ticks)
	fmt.Fprintf(tw, "switches\t%d\n", rep.Host.Switches)
	fmt.Fprintf(tw, "interrupts\ttimer %d, line %d, coalesced %d\n", rep.Host.TimerIRQs, rep.Host.LineIRQs, rep.Host.Coalesced)
	if rep.ISRDrops > 0 {
		fmt.Fprintf(tw, "isr drops\t%d\n", rep.ISRDrops)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "TASK\tPRIO\tSTATE\tSWITCHES\tSTEPS\tSENT\tRECV\tFAILED\tLAST")
	for _, t := range rep.Tasks {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t%d\t%d\t%v\n",
			t.Name, t.Priority, t.State, t.Switches, t.Steps, t.Sent, t.Received, t.Failed, t.Last)
	}

	if len(rep.Queues) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "QUEUE\tLEN\tCAP")
		for _, q := range rep.Queues {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", q.Name, q.Len, q.Cap)
		}
	}
	if len(rep.Timers) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TIMER\tFIRES\tACTIVE")
		for _, t := range rep.Timers {
			fmt.Fprintf(tw, "%d\t%d\t%t\n", t.ID, t.Fires, t.Active)
		}
	}

	kinds := make([]string, 0, len(rep.Events))
	for k := range rep.Events {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "EVENT\tCOUNT")
	for _, k := range kinds {
		fmt.Fprintf(tw, "%s\t%d\n", k, rep.Events[k])
	}
	return tw.Flush()
}
