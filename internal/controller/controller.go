// Package controller drives a queue definition through sequential
// execution, persisting state after every transition.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/mtakala/simq/internal/events"
	"github.com/mtakala/simq/internal/executor"
	"github.com/mtakala/simq/internal/model"
	"github.com/mtakala/simq/internal/state"
)

// ErrQueueMismatch means a prior state file cannot be trusted for this
// definition and the operator must start fresh or fix the file pairing.
var ErrQueueMismatch = errors.New("state file does not match queue definition")

// RunExecutor runs a single queue entry. Satisfied by executor.Executor;
// tests substitute a fake.
type RunExecutor interface {
	RunOnce(ctx context.Context, run *model.RunSpec, sweep model.SweepParams) executor.Outcome
	CommandLine(run *model.RunSpec, sweep model.SweepParams) ([]string, error)
}

// Controller owns one execution of a queue: fresh or resumed, real or
// dry-run. It is single-use; create a new Controller per execution.
type Controller struct {
	def    *model.QueueDefinition
	store  *state.Store
	exec   RunExecutor
	bus    *events.Bus
	logger *log.Logger
	dryRun bool

	now func() time.Time
}

// Options configures a Controller.
type Options struct {
	Definition *model.QueueDefinition
	Store      *state.Store
	Executor   RunExecutor
	Bus        *events.Bus
	Logger     *log.Logger
	DryRun     bool
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	return &Controller{
		def:    opts.Definition,
		store:  opts.Store,
		exec:   opts.Executor,
		bus:    bus,
		logger: logger,
		dryRun: opts.DryRun,
		now:    time.Now,
	}
}

// Execute runs the queue from its current position. A nil prior state
// starts fresh; a non-nil prior resumes after verification against the
// definition. Runs execute strictly one at a time, in definition order.
// Run failures are outcomes, not errors: Execute only errors on
// infrastructure problems (mismatched state, persistence failures).
func (c *Controller) Execute(ctx context.Context, prior *model.QueueState) (*model.ExecutionReport, error) {
	st, err := c.prepareState(prior)
	if err != nil {
		return nil, err
	}

	report := &model.ExecutionReport{QueueName: c.def.QueueName, DryRun: c.dryRun}
	start := c.now()
	total := len(c.def.Runs)

	c.bus.Publish(events.Event{
		Type: events.EventQueueStarted, Queue: c.def.QueueName,
		Index: -1, Total: total, DryRun: c.dryRun,
	})

	for i := range c.def.Runs {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}

		run := &c.def.Runs[i]
		rs := &st.RunStates[i]

		// Terminal entries from a prior execution stay untouched;
		// previously failed runs are re-attempted.
		if rs.Status == model.StatusCompleted || rs.Status == model.StatusSkipped {
			continue
		}

		if !run.IsEnabled() {
			if err := c.skipRun(st, i, run); err != nil {
				return report, err
			}
			continue
		}

		if c.dryRun {
			if err := c.planRun(i, run, total); err != nil {
				return report, err
			}
			report.Planned++
			continue
		}

		halted, err := c.executeRun(ctx, st, i, run, total, report)
		if err != nil {
			return report, err
		}
		if ctx.Err() != nil {
			// A cancelled context surfaces in the run outcome as a
			// failure; report it as an interrupt, not a halt.
			report.Interrupted = true
			break
		}
		if halted {
			report.Halted = true
			report.HaltedIndex = i
			break
		}
	}

	report.Completed, report.Failed, report.Skipped = st.Counts()
	report.WallTime = c.now().Sub(start)

	c.bus.Publish(events.Event{
		Type: events.EventQueueFinished, Queue: c.def.QueueName,
		Index: -1, Total: total, DryRun: c.dryRun,
		Message: fmt.Sprintf("completed=%d failed=%d skipped=%d", report.Completed, report.Failed, report.Skipped),
	})
	return report, nil
}

// prepareState verifies a prior state against the definition, or builds
// a fresh one. Verification happens before any run executes: name,
// length, and every per-run fingerprint must match.
func (c *Controller) prepareState(prior *model.QueueState) (*model.QueueState, error) {
	if prior == nil {
		return model.NewQueueState(c.def), nil
	}
	if prior.QueueName != c.def.QueueName {
		return nil, fmt.Errorf("%w: state is for queue %q, definition is %q",
			ErrQueueMismatch, prior.QueueName, c.def.QueueName)
	}
	if len(prior.RunStates) != len(c.def.Runs) {
		return nil, fmt.Errorf("%w: state has %d runs, definition has %d",
			ErrQueueMismatch, len(prior.RunStates), len(c.def.Runs))
	}
	for i, run := range c.def.Runs {
		want := model.Fingerprint(run)
		if got := prior.RunStates[i].Fingerprint; got != want {
			return nil, fmt.Errorf("%w: run %d changed since the state file was written",
				ErrQueueMismatch, i)
		}
	}
	prior.NormalizeForResume()
	c.logger.Printf("resuming queue %q at run %d/%d", c.def.QueueName, prior.CurrentIndex()+1, len(c.def.Runs))
	return prior, nil
}

func (c *Controller) skipRun(st *model.QueueState, i int, run *model.RunSpec) error {
	st.RunStates[i].Status = model.StatusSkipped
	if !c.dryRun {
		if err := c.store.Save(st); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}
	c.bus.Publish(events.Event{
		Type: events.EventRunSkipped, Queue: c.def.QueueName,
		Index: i, Total: len(c.def.Runs), Description: run.Description,
		Status: model.StatusSkipped, Message: "disabled in queue definition",
		DryRun: c.dryRun,
	})
	return nil
}

// planRun announces what a real execution would spawn, without touching
// the process table or the state file.
func (c *Controller) planRun(i int, run *model.RunSpec, total int) error {
	sweep := run.EffectiveSweep(c.def.SweepDefaults)
	argv, err := c.exec.CommandLine(run, sweep)
	if err != nil {
		return fmt.Errorf("run %d: %w", i, err)
	}
	sweepStr, err := model.MarshalSweep(sweep)
	if err != nil {
		return fmt.Errorf("run %d: %w", i, err)
	}
	c.bus.Publish(events.Event{
		Type: events.EventRunPlanned, Queue: c.def.QueueName,
		Index: i, Total: total, Description: run.Description,
		Message: strings.Join(argv, " "), Sweep: sweepStr, DryRun: true,
	})
	return nil
}

// executeRun performs one real run: mark running, persist, spawn,
// record the outcome, persist again. Returns halted=true when a
// failure under the stop policy must end the queue.
func (c *Controller) executeRun(ctx context.Context, st *model.QueueState, i int, run *model.RunSpec, total int, report *model.ExecutionReport) (bool, error) {
	rs := &st.RunStates[i]
	if err := model.ValidateRunTransition(rs.Status, model.StatusRunning); err != nil {
		return false, fmt.Errorf("run %d: %w", i, err)
	}

	sweep := run.EffectiveSweep(c.def.SweepDefaults)
	sweepStr, err := model.MarshalSweep(sweep)
	if err != nil {
		return false, fmt.Errorf("run %d: %w", i, err)
	}

	started := c.now()
	*rs = model.RunState{
		Status:      model.StatusRunning,
		StartedAt:   started.UTC().Format(time.RFC3339),
		Fingerprint: rs.Fingerprint,
	}
	if err := c.store.Save(st); err != nil {
		return false, fmt.Errorf("persist state: %w", err)
	}

	c.bus.Publish(events.Event{
		Type: events.EventRunStarted, Queue: c.def.QueueName,
		Index: i, Total: total, Description: run.Description,
		Status: model.StatusRunning, Sweep: sweepStr,
	})

	outcome := c.exec.RunOnce(ctx, run, sweep)

	finished := c.now()
	rs.Status = outcome.Status
	rs.FinishedAt = finished.UTC().Format(time.RFC3339)
	rs.DurationSeconds = finished.Sub(started).Seconds()
	rs.Error = outcome.Error
	rs.OutputFolder = outcome.OutputFolder
	rs.BatFile = outcome.BatFile
	rs.ExitCode = outcome.ExitCode
	if err := c.store.Save(st); err != nil {
		return false, fmt.Errorf("persist state: %w", err)
	}

	c.bus.Publish(events.Event{
		Type: events.EventRunFinished, Queue: c.def.QueueName,
		Index: i, Total: total, Description: run.Description,
		Status: outcome.Status, Message: outcome.Error,
		OutputFolder: outcome.OutputFolder,
	})

	if outcome.Status == model.StatusFailed {
		report.Failures = append(report.Failures, model.RunFailure{
			Index: i, Description: run.Description, Message: outcome.Error,
		})
		if c.def.ErrorHandling == model.PolicyStop {
			c.logger.Printf("run %d failed, stop policy halts the queue: %s", i, outcome.Error)
			return true, nil
		}
		c.logger.Printf("run %d failed, continuing: %s", i, outcome.Error)
	}
	return false, nil
}
