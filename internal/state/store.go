// Package state persists queue execution state durably and crash-safely.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mtakala/simq/internal/jsonfile"
	"github.com/mtakala/simq/internal/model"
)

var (
	// ErrNotFound means no state file exists at the store's path.
	ErrNotFound = errors.New("state file not found")
	// ErrCorrupt means a state file exists but cannot be trusted. The
	// controller surfaces this to the operator rather than silently
	// starting fresh.
	ErrCorrupt = errors.New("state file corrupt")
)

// Store reads and writes QueueState snapshots at a fixed path. Writes are
// atomic with respect to process termination: a kill during save cannot
// corrupt the only copy.
type Store struct {
	path string
	now  func() time.Time
}

func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

func (s *Store) Path() string {
	return s.path
}

// Save persists the state snapshot, stamping UpdatedAt.
func (s *Store) Save(st *model.QueueState) error {
	st.Touch(s.now())
	if err := jsonfile.AtomicWrite(s.path, st); err != nil {
		return fmt.Errorf("save state to %s: %w", s.path, err)
	}
	return nil
}

// Load reads the state snapshot without touching the file. A missing file
// yields ErrNotFound. A file that does not parse, or parses into something
// that is not a queue state snapshot, yields ErrCorrupt and is left in
// place, so read-only callers (status, dry run) never move the store.
func (s *Store) Load() (*model.QueueState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("read state file %s: %w", s.path, err)
	}

	var st model.QueueState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, s.corrupt(fmt.Sprintf("parse json: %v", err))
	}
	if st.FileType != model.FileTypeQueueState {
		return nil, s.corrupt(fmt.Sprintf("unexpected file_type %q", st.FileType))
	}
	if st.SchemaVersion < 1 || st.SchemaVersion > model.CurrentSchemaVersion {
		return nil, s.corrupt(fmt.Sprintf("unsupported schema_version %d", st.SchemaVersion))
	}
	if st.QueueName == "" {
		return nil, s.corrupt("missing queue_name")
	}
	for i, rs := range st.RunStates {
		switch rs.Status {
		case model.StatusPending, model.StatusRunning, model.StatusCompleted,
			model.StatusFailed, model.StatusSkipped:
		default:
			return nil, s.corrupt(fmt.Sprintf("run %d has unknown status %q", i, rs.Status))
		}
	}
	return &st, nil
}

func (s *Store) corrupt(reason string) error {
	return fmt.Errorf("%w: %s (%s)", ErrCorrupt, s.path, reason)
}

// LoadForExecution is Load for the real execution path. A corrupt file is
// moved to quarantine so the operator can inspect it, then the previous
// snapshot is restored from the .bak sibling and loaded. Only when the
// backup is also unusable does the corrupt error surface; the corrupt
// copy is preserved in quarantine either way, never silently discarded.
func (s *Store) LoadForExecution() (*model.QueueState, error) {
	st, err := s.Load()
	if !errors.Is(err, ErrCorrupt) {
		return st, err
	}

	moved, qerr := jsonfile.Quarantine(s.path)
	if qerr != nil {
		return nil, err
	}
	err = fmt.Errorf("%w (quarantined to %s)", err, moved)

	if restoreErr := jsonfile.RestoreFromBackup(s.path); restoreErr != nil {
		return nil, err
	}
	st, loadErr := s.Load()
	if loadErr != nil {
		return nil, err
	}
	return st, nil
}
