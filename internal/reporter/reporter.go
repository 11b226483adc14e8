// Package reporter renders queue progress for the console and mirrors
// every event into the append-only run log.
package reporter

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mtakala/simq/internal/events"
	"github.com/mtakala/simq/internal/model"
)

// Reporter is an event subscriber. It never returns errors into the
// controller: run log write failures are reported to errOut once and
// further failures are dropped silently.
type Reporter struct {
	out    io.Writer
	errOut io.Writer
	runLog *events.RunLog

	warnOnce sync.Once
}

func New(out, errOut io.Writer, runLog *events.RunLog) *Reporter {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	return &Reporter{out: out, errOut: errOut, runLog: runLog}
}

// Attach subscribes the reporter to the bus and returns the
// unsubscribe function.
func (r *Reporter) Attach(bus *events.Bus) func() {
	return bus.Subscribe(r.handle)
}

func (r *Reporter) handle(e events.Event) {
	r.render(e)
	r.record(e)
}

func (r *Reporter) render(e events.Event) {
	switch e.Type {
	case events.EventQueueStarted:
		if e.DryRun {
			fmt.Fprintf(r.out, "Dry run of queue %q (%d runs)\n", e.Queue, e.Total)
		} else {
			fmt.Fprintf(r.out, "Starting queue %q (%d runs)\n", e.Queue, e.Total)
		}
	case events.EventRunStarted:
		fmt.Fprintf(r.out, "\n[%d/%d] %s\n", e.Index+1, e.Total, describe(e))
		if e.Sweep != "" {
			fmt.Fprintf(r.out, "  sweep override: %s\n", e.Sweep)
		}
	case events.EventRunFinished:
		if e.Status == model.StatusCompleted {
			fmt.Fprintf(r.out, "[%d/%d] completed\n", e.Index+1, e.Total)
		} else {
			fmt.Fprintf(r.out, "[%d/%d] FAILED: %s\n", e.Index+1, e.Total, e.Message)
		}
	case events.EventRunSkipped:
		fmt.Fprintf(r.out, "[%d/%d] skipped: %s\n", e.Index+1, e.Total, describe(e))
	case events.EventRunPlanned:
		fmt.Fprintf(r.out, "[%d/%d] would run: %s\n", e.Index+1, e.Total, e.Message)
		if e.Sweep != "" {
			fmt.Fprintf(r.out, "  sweep override: %s\n", e.Sweep)
		}
	case events.EventQueueFinished:
		// Summary comes from PrintSummary with the full report.
	}
}

func (r *Reporter) record(e events.Event) {
	if r.runLog == nil {
		return
	}
	entry := events.LogEntry{
		Timestamp:   e.Timestamp,
		EventType:   string(e.Type),
		Queue:       e.Queue,
		Description: e.Description,
		Status:      string(e.Status),
		Message:     e.Message,
	}
	if e.Index >= 0 {
		idx := e.Index
		entry.RunIndex = &idx
	}
	details := map[string]any{}
	if e.OutputFolder != "" {
		details["output_folder"] = e.OutputFolder
	}
	if e.Sweep != "" {
		details["sweep"] = e.Sweep
	}
	if e.DryRun {
		details["dry_run"] = true
	}
	if len(details) > 0 {
		entry.Details = details
	}

	if err := r.runLog.Append(entry); err != nil {
		r.warnOnce.Do(func() {
			fmt.Fprintf(r.errOut, "warning: run log unavailable: %v\n", err)
		})
	}
}

// PrintSummary renders the end-of-execution summary.
func (r *Reporter) PrintSummary(report *model.ExecutionReport) {
	fmt.Fprintln(r.out)
	if report.DryRun {
		fmt.Fprintf(r.out, "Dry run complete: %d runs would execute, %d skipped\n",
			report.Planned, report.Skipped)
		return
	}

	fmt.Fprintf(r.out, "Queue %q finished in %s\n", report.QueueName, report.WallTime.Round(time.Second))
	fmt.Fprintf(r.out, "  completed: %d  failed: %d  skipped: %d\n",
		report.Completed, report.Failed, report.Skipped)

	if report.Interrupted {
		fmt.Fprintln(r.out, "  interrupted: remaining runs were not attempted")
	}
	if report.Halted {
		fmt.Fprintf(r.out, "  halted at run %d (error handling: stop)\n", report.HaltedIndex+1)
	}
	if len(report.Failures) > 0 {
		fmt.Fprintln(r.out, "Failures:")
		for _, f := range report.Failures {
			fmt.Fprintf(r.out, "  [%d] %s: %s\n", f.Index+1, describeFailure(f), f.Message)
		}
	}
}

func describe(e events.Event) string {
	if e.Description != "" {
		return e.Description
	}
	return fmt.Sprintf("run %d", e.Index+1)
}

func describeFailure(f model.RunFailure) string {
	if f.Description != "" {
		return f.Description
	}
	return fmt.Sprintf("run %d", f.Index+1)
}
