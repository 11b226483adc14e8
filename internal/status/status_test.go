package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtakala/simq/internal/model"
	"github.com/mtakala/simq/internal/state"
)

func writeStateFile(t *testing.T, dir string) string {
	t.Helper()

	def := &model.QueueDefinition{
		QueueName:     "nightly",
		ErrorHandling: model.PolicyContinue,
		Runs: []model.RunSpec{
			{Script: "a.py"}, {Script: "b.py"}, {Script: "c.py"},
		},
	}
	st := model.NewQueueState(def)
	st.RunStates[0].Status = model.StatusCompleted
	st.RunStates[0].DurationSeconds = 42.5
	st.RunStates[0].OutputFolder = "/tmp/a_output"
	st.RunStates[1].Status = model.StatusFailed
	st.RunStates[1].Error = "script failed with exit code 1"

	statePath := filepath.Join(dir, "nightly_state.json")
	if err := state.NewStore(statePath).Save(st); err != nil {
		t.Fatalf("save state: %v", err)
	}
	return statePath
}

func TestSummarize(t *testing.T) {
	statePath := writeStateFile(t, t.TempDir())

	s, err := Summarize(statePath)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if s.QueueName != "nightly" {
		t.Errorf("queue name: got %q", s.QueueName)
	}
	if s.Completed != 1 || s.Failed != 1 || s.Skipped != 0 || s.Pending != 1 {
		t.Errorf("counts: got completed=%d failed=%d skipped=%d pending=%d",
			s.Completed, s.Failed, s.Skipped, s.Pending)
	}
	if s.NextRun != 1 {
		t.Errorf("next run: got %d, want 1 (failed runs are resumable)", s.NextRun)
	}
	if s.Locked {
		t.Error("no executor is running, state must not report locked")
	}
	if len(s.Runs) != 3 {
		t.Fatalf("runs: got %d", len(s.Runs))
	}
	if s.Runs[1].Error != "script failed with exit code 1" {
		t.Errorf("run 1 error: got %q", s.Runs[1].Error)
	}
}

func TestSummarize_MissingFile(t *testing.T) {
	_, err := Summarize(filepath.Join(t.TempDir(), "gone_state.json"))
	if err == nil {
		t.Fatal("expected error for missing state file")
	}
}

func TestSummarize_CorruptFileLeftInPlace(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "nightly_state.json")
	if err := os.WriteFile(statePath, []byte("{{{ not a state file"), 0644); err != nil {
		t.Fatalf("write state file: %v", err)
	}

	_, err := Summarize(statePath)
	if !errors.Is(err, state.ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
	// status is read-only: it reports corruption without moving the file.
	if _, err := os.Stat(statePath); err != nil {
		t.Errorf("state file must remain in place: %v", err)
	}
}

func TestRun_Table(t *testing.T) {
	statePath := writeStateFile(t, t.TempDir())

	var out bytes.Buffer
	if err := Run(statePath, false, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"Queue: nightly",
		"stopped, next run is 2",
		"completed",
		"script failed with exit code 1",
		"Completed: 1  Failed: 1  Skipped: 0  Pending: 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q in:\n%s", want, text)
		}
	}
}

func TestRun_JSON(t *testing.T) {
	statePath := writeStateFile(t, t.TempDir())

	var out bytes.Buffer
	if err := Run(statePath, true, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var s QueueSummary
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatalf("parse JSON output: %v", err)
	}
	if s.QueueName != "nightly" || len(s.Runs) != 3 {
		t.Errorf("unexpected summary: %+v", s)
	}
}
