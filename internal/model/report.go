package model

import "time"

// RunFailure records one failed run, in run order.
type RunFailure struct {
	Index       int
	Description string
	Message     string
}

// ExecutionReport summarizes one controller execution.
type ExecutionReport struct {
	QueueName string
	DryRun    bool

	Completed int
	Failed    int
	Skipped   int
	// Planned counts runs a dry-run would execute.
	Planned int

	WallTime time.Duration
	Failures []RunFailure

	// Halted is true when the stop policy ended the queue early;
	// HaltedIndex is the run that triggered the halt.
	Halted      bool
	HaltedIndex int
	// Interrupted is true when execution ended on a cancelled context.
	Interrupted bool
}

// Success reports whether every attempted run completed and nothing halted
// the queue.
func (r *ExecutionReport) Success() bool {
	return r.Failed == 0 && !r.Halted && !r.Interrupted
}
