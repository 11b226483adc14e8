package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mtakala/simq/internal/model"
)

func testState() *model.QueueState {
	def := &model.QueueDefinition{
		QueueName:     "spike_res_study",
		ErrorHandling: model.PolicyContinue,
		Runs: []model.RunSpec{
			{Script: "a.py", Description: "first"},
			{Script: "b.py", Description: "second"},
		},
	}
	return model.NewQueueState(def)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "spike_res_study_state.json"))

	st := testState()
	st.RunStates[0].Status = model.StatusCompleted
	st.RunStates[0].OutputFolder = "tmp/a_output"

	if err := store.Save(st); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if st.UpdatedAt == "" {
		t.Error("Save should stamp updated_at")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.QueueName != "spike_res_study" {
		t.Errorf("queue_name: got %q", loaded.QueueName)
	}
	if len(loaded.RunStates) != 2 {
		t.Fatalf("run_states: got %d, want 2", len(loaded.RunStates))
	}
	if loaded.RunStates[0].Status != model.StatusCompleted {
		t.Errorf("run 0 status: got %s", loaded.RunStates[0].Status)
	}
	if loaded.RunStates[0].OutputFolder != "tmp/a_output" {
		t.Errorf("run 0 output_folder: got %q", loaded.RunStates[0].OutputFolder)
	}
	if loaded.RunStates[0].Fingerprint != st.RunStates[0].Fingerprint {
		t.Error("fingerprint lost in round trip")
	}
}

func TestLoad_NotFound(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"))
	_, err := store.Load()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestLoad_CorruptJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{{{ definitely not json"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store := NewStore(path)
	_, err := store.Load()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}

	// Load is read-only: the corrupt file stays where it is so status
	// and dry-run commands never relocate the store.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Load must leave the corrupt file in place: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "quarantine")); !os.IsNotExist(err) {
		t.Error("Load must not create a quarantine dir")
	}
}

func TestLoadForExecution_QuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{{{ definitely not json"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := NewStore(path).LoadForExecution()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}

	// The corrupt copy is preserved for inspection, not left in place
	// where a later save would sit next to it.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt file should have been moved to quarantine")
	}
	entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
	if err != nil || len(entries) != 1 {
		t.Errorf("quarantine dir should hold the corrupt file: %v, %d entries", err, len(entries))
	}
}

func TestLoadForExecution_RestoresFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewStore(path)

	// Two saves leave the previous snapshot in state.json.bak.
	st := testState()
	if err := store.Save(st); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	st.RunStates[0].Status = model.StatusCompleted
	if err := store.Save(st); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("{{{ trampled"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loaded, err := store.LoadForExecution()
	if err != nil {
		t.Fatalf("LoadForExecution failed: %v", err)
	}
	if loaded.QueueName != "spike_res_study" {
		t.Errorf("queue_name: got %q", loaded.QueueName)
	}
	// The backup is the snapshot before the trampled write; the run it
	// recorded as pending will simply be re-attempted.
	if loaded.RunStates[0].Status != model.StatusPending {
		t.Errorf("run 0 status: got %s, want the backed-up snapshot", loaded.RunStates[0].Status)
	}
}

func TestLoadForExecution_BackupAlsoCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{{{"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(path+".bak", []byte("also {{{"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := NewStore(path).LoadForExecution()
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v, want ErrCorrupt when the backup is unusable too", err)
	}
}

func TestLoad_WrongFileType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	content := `{"schema_version":1,"file_type":"queue_definition","queue_name":"q","run_states":[]}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := NewStore(path).Load()
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v, want ErrCorrupt", err)
	}
}

func TestLoad_UnknownRunStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	content := `{"schema_version":1,"file_type":"queue_state","queue_name":"q","run_states":[{"status":"exploded"}]}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := NewStore(path).Load()
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v, want ErrCorrupt", err)
	}
}

func TestSave_Atomic_PriorFileBackedUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewStore(path)

	st := testState()
	if err := store.Save(st); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	st.RunStates[0].Status = model.StatusCompleted
	if err := store.Save(st); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("expected .bak of prior snapshot: %v", err)
	}
}
