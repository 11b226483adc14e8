package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRunLog_AppendLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "queue.log")

	l, err := NewRunLog(logPath, 0)
	if err != nil {
		t.Fatalf("NewRunLog failed: %v", err)
	}
	defer l.Close()

	idx := 0
	entries := []LogEntry{
		{EventType: "queue_started", Queue: "q"},
		{EventType: "run_finished", Queue: "q", RunIndex: &idx, Status: "failed",
			Message: "script failed with exit code 1",
			Details: map[string]any{"output": "Traceback ..."}},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	var lines []LogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].EventType != "queue_started" {
		t.Errorf("line 0: got %q", lines[0].EventType)
	}
	if lines[1].RunIndex == nil || *lines[1].RunIndex != 0 {
		t.Errorf("line 1 run_index: got %v", lines[1].RunIndex)
	}
	if lines[1].Timestamp.IsZero() {
		t.Error("append should stamp timestamps")
	}
}

func TestRunLog_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "queue.log")

	// Tiny max size forces rotation on the second entry.
	l, err := NewRunLog(logPath, 120)
	if err != nil {
		t.Fatalf("NewRunLog failed: %v", err)
	}
	defer l.Close()

	for i := 0; i < 3; i++ {
		if err := l.Append(LogEntry{EventType: "run_finished", Queue: "rotating_queue"}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	archive, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	if err != nil {
		t.Fatalf("archive dir missing: %v", err)
	}
	if len(archive) == 0 {
		t.Error("expected at least one rotated log in archive/")
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("live log should still exist: %v", err)
	}
}

func TestRunLog_AppendAfterClose(t *testing.T) {
	l, err := NewRunLog(filepath.Join(t.TempDir(), "q.log"), 0)
	if err != nil {
		t.Fatalf("NewRunLog failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Append(LogEntry{EventType: "x"}); err == nil {
		t.Error("expected error appending to closed log")
	}
}
