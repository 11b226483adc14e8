package model

import "time"

const CurrentSchemaVersion = 1

// File type markers written into persisted files (schema header idiom).
const (
	FileTypeQueueDefinition = "queue_definition"
	FileTypeQueueState      = "queue_state"
)

// RunState is the mutable execution record for one RunSpec, keyed by index.
// The index is the identity: scripts and descriptions may repeat under
// parameter injection.
type RunState struct {
	Status          Status  `json:"status"`
	StartedAt       string  `json:"started_at,omitempty"`
	FinishedAt      string  `json:"finished_at,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Error           string  `json:"error,omitempty"`
	OutputFolder    string  `json:"output_folder,omitempty"`
	BatFile         string  `json:"bat_file,omitempty"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	Fingerprint     string  `json:"fingerprint,omitempty"`
}

// QueueState is the durable snapshot of queue progress. RunStates is aligned
// 1:1 by index with the definition's runs and its length never changes once
// the queue begins executing.
type QueueState struct {
	SchemaVersion int        `json:"schema_version"`
	FileType      string     `json:"file_type"`
	QueueName     string     `json:"queue_name"`
	RunStates     []RunState `json:"run_states"`
	UpdatedAt     string     `json:"updated_at,omitempty"`
}

// NewQueueState creates a fresh all-pending state for the definition, with a
// fingerprint recorded per run for resume matching.
func NewQueueState(def *QueueDefinition) *QueueState {
	states := make([]RunState, len(def.Runs))
	for i, run := range def.Runs {
		states[i] = RunState{
			Status:      StatusPending,
			Fingerprint: Fingerprint(run),
		}
	}
	return &QueueState{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypeQueueState,
		QueueName:     def.QueueName,
		RunStates:     states,
	}
}

// CurrentIndex returns the index of the next run to attempt: the first index
// whose status is not completed and not skipped. Returns len(RunStates) when
// every run is done.
func (s *QueueState) CurrentIndex() int {
	for i, rs := range s.RunStates {
		if rs.Status != StatusCompleted && rs.Status != StatusSkipped {
			return i
		}
	}
	return len(s.RunStates)
}

// NormalizeForResume resets any run left in running status back to pending.
// A run persisted as running means the process died mid-run; the run did not
// complete and is safe to re-attempt.
func (s *QueueState) NormalizeForResume() {
	for i := range s.RunStates {
		if s.RunStates[i].Status == StatusRunning {
			s.RunStates[i].Status = StatusPending
			s.RunStates[i].StartedAt = ""
		}
	}
}

// Touch stamps UpdatedAt with the given time.
func (s *QueueState) Touch(now time.Time) {
	s.UpdatedAt = now.UTC().Format(time.RFC3339)
}

// Counts returns the number of completed, failed, and skipped runs.
func (s *QueueState) Counts() (completed, failed, skipped int) {
	for _, rs := range s.RunStates {
		switch rs.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return
}
