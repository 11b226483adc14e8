package model

import (
	"testing"
	"time"
)

func testDefinition() *QueueDefinition {
	disabled := false
	return &QueueDefinition{
		QueueName:     "test_queue",
		ErrorHandling: PolicyContinue,
		Runs: []RunSpec{
			{Script: "a.py", Description: "first"},
			{Script: "b.py", Description: "disabled", Enabled: &disabled},
			{Script: "c.py", Description: "third", Args: []string{"--no-gui"}},
		},
	}
}

func TestNewQueueState(t *testing.T) {
	def := testDefinition()
	st := NewQueueState(def)

	if st.QueueName != "test_queue" {
		t.Errorf("queue_name: got %q", st.QueueName)
	}
	if st.FileType != FileTypeQueueState {
		t.Errorf("file_type: got %q", st.FileType)
	}
	if len(st.RunStates) != len(def.Runs) {
		t.Fatalf("run_states length: got %d, want %d", len(st.RunStates), len(def.Runs))
	}
	for i, rs := range st.RunStates {
		if rs.Status != StatusPending {
			t.Errorf("run %d: got %s, want pending", i, rs.Status)
		}
		if rs.Fingerprint == "" {
			t.Errorf("run %d: missing fingerprint", i)
		}
		if rs.Fingerprint != Fingerprint(def.Runs[i]) {
			t.Errorf("run %d: fingerprint mismatch", i)
		}
	}
}

func TestCurrentIndex(t *testing.T) {
	st := NewQueueState(testDefinition())
	if got := st.CurrentIndex(); got != 0 {
		t.Errorf("fresh state: got %d, want 0", got)
	}

	st.RunStates[0].Status = StatusCompleted
	st.RunStates[1].Status = StatusSkipped
	if got := st.CurrentIndex(); got != 2 {
		t.Errorf("after run 0 completed, 1 skipped: got %d, want 2", got)
	}

	st.RunStates[2].Status = StatusCompleted
	if got := st.CurrentIndex(); got != 3 {
		t.Errorf("all done: got %d, want len", got)
	}
}

func TestCurrentIndex_FailedIsResumable(t *testing.T) {
	st := NewQueueState(testDefinition())
	st.RunStates[0].Status = StatusFailed
	st.RunStates[1].Status = StatusSkipped
	st.RunStates[2].Status = StatusCompleted

	// Resume re-attempts from the first non-completed index.
	if got := st.CurrentIndex(); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestNormalizeForResume(t *testing.T) {
	st := NewQueueState(testDefinition())
	st.RunStates[0].Status = StatusCompleted
	st.RunStates[2].Status = StatusRunning
	st.RunStates[2].StartedAt = "2026-08-30T18:00:00Z"

	st.NormalizeForResume()

	if st.RunStates[0].Status != StatusCompleted {
		t.Error("completed run must not be touched")
	}
	if st.RunStates[2].Status != StatusPending {
		t.Errorf("running run: got %s, want pending", st.RunStates[2].Status)
	}
	if st.RunStates[2].StartedAt != "" {
		t.Error("started_at should be cleared for re-attempt")
	}
}

func TestCounts(t *testing.T) {
	st := NewQueueState(testDefinition())
	st.RunStates[0].Status = StatusCompleted
	st.RunStates[1].Status = StatusSkipped
	st.RunStates[2].Status = StatusFailed

	completed, failed, skipped := st.Counts()
	if completed != 1 || failed != 1 || skipped != 1 {
		t.Errorf("got %d/%d/%d, want 1/1/1", completed, failed, skipped)
	}
}

func TestTouch(t *testing.T) {
	st := NewQueueState(testDefinition())
	st.Touch(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	if st.UpdatedAt != "2026-08-31T12:00:00Z" {
		t.Errorf("updated_at: got %q", st.UpdatedAt)
	}
}

func TestFingerprint_Stability(t *testing.T) {
	a := RunSpec{Script: "s.py", SweepOverrides: SweepParams{"x": {1.0, 2.0}, "y": {3.0}}}
	b := RunSpec{Script: "s.py", SweepOverrides: SweepParams{"y": {3.0}, "x": {1.0, 2.0}}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprint must be independent of map iteration order")
	}

	c := RunSpec{Script: "s.py", SweepOverrides: SweepParams{"x": {1.0, 2.0}, "y": {4.0}}}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("different overrides must yield different fingerprints")
	}

	d := RunSpec{Script: "s.py", Description: "renamed", SweepOverrides: SweepParams{"x": {1.0, 2.0}, "y": {3.0}}}
	if Fingerprint(a) != Fingerprint(d) {
		t.Error("description must not affect the fingerprint")
	}
}
