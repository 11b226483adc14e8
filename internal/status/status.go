// Package status summarizes a queue state file for operators.
package status

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mtakala/simq/internal/lock"
	"github.com/mtakala/simq/internal/state"
)

// QueueSummary is the JSON-serializable status of one queue.
type QueueSummary struct {
	QueueName string       `json:"queue_name"`
	StateFile string       `json:"state_file"`
	UpdatedAt string       `json:"updated_at,omitempty"`
	Locked    bool         `json:"locked"`
	Pending   int          `json:"pending"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	NextRun   int          `json:"next_run"`
	Runs      []RunSummary `json:"runs"`
}

// RunSummary is the status of one run in the queue.
type RunSummary struct {
	Index           int     `json:"index"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"started_at,omitempty"`
	FinishedAt      string  `json:"finished_at,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Error           string  `json:"error,omitempty"`
	OutputFolder    string  `json:"output_folder,omitempty"`
}

// Summarize loads a state file and builds the summary. Locked is true
// while another simq process holds the state's execution lock.
func Summarize(statePath string) (*QueueSummary, error) {
	st, err := state.NewStore(statePath).Load()
	if err != nil {
		return nil, err
	}

	summary := &QueueSummary{
		QueueName: st.QueueName,
		StateFile: statePath,
		UpdatedAt: st.UpdatedAt,
		Locked:    lock.Held(lock.ForState(statePath).Path()),
		NextRun:   st.CurrentIndex(),
		Runs:      make([]RunSummary, len(st.RunStates)),
	}
	summary.Completed, summary.Failed, summary.Skipped = st.Counts()
	summary.Pending = len(st.RunStates) - summary.Completed - summary.Failed - summary.Skipped

	for i, rs := range st.RunStates {
		summary.Runs[i] = RunSummary{
			Index:           i,
			Status:          string(rs.Status),
			StartedAt:       rs.StartedAt,
			FinishedAt:      rs.FinishedAt,
			DurationSeconds: rs.DurationSeconds,
			Error:           rs.Error,
			OutputFolder:    rs.OutputFolder,
		}
	}
	return summary, nil
}

// Run prints the summary of a state file, as a table or as JSON.
func Run(statePath string, jsonOutput bool, out io.Writer) error {
	summary, err := Summarize(statePath)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	printSummary(out, summary)
	return nil
}

func printSummary(out io.Writer, s *QueueSummary) {
	fmt.Fprintf(out, "Queue: %s\n", s.QueueName)
	if s.Locked {
		fmt.Fprintln(out, "Execution: in progress (state file is locked)")
	} else if s.NextRun >= len(s.Runs) {
		fmt.Fprintln(out, "Execution: finished")
	} else {
		fmt.Fprintf(out, "Execution: stopped, next run is %d\n", s.NextRun+1)
	}
	if s.UpdatedAt != "" {
		fmt.Fprintf(out, "Updated: %s\n", s.UpdatedAt)
	}

	fmt.Fprintf(out, "\n  %-5s  %-10s  %9s  %s\n", "RUN", "STATUS", "DURATION", "DETAIL")
	for _, r := range s.Runs {
		detail := r.Error
		if detail == "" {
			detail = r.OutputFolder
		}
		duration := ""
		if r.DurationSeconds > 0 {
			duration = fmt.Sprintf("%.1fs", r.DurationSeconds)
		}
		fmt.Fprintf(out, "  %-5d  %-10s  %9s  %s\n", r.Index+1, r.Status, duration, detail)
	}

	fmt.Fprintf(out, "\nCompleted: %d  Failed: %d  Skipped: %d  Pending: %d\n",
		s.Completed, s.Failed, s.Skipped, s.Pending)
}
