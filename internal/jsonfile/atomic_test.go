package jsonfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")

	data := map[string]any{"key": "value", "count": 42}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	bakContent, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}
	var bakData map[string]string
	if err := json.Unmarshal(bakContent, &bakData); err != nil {
		t.Fatalf("Unmarshal .bak failed: %v", err)
	}
	if bakData["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bakData["version"], "1")
	}

	curContent, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile current failed: %v", err)
	}
	var curData map[string]string
	if err := json.Unmarshal(curContent, &curData); err != nil {
		t.Fatalf("Unmarshal current failed: %v", err)
	}
	if curData["version"] != "2" {
		t.Errorf("current version: got %q, want %q", curData["version"], "2")
	}
}

func TestAtomicWriteRaw_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")

	invalidJSON := []byte(`{"broken": [`)
	err := AtomicWriteRaw(path, invalidJSON)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should not exist after failed write")
	}
}

func TestAtomicWrite_NoTempFileLeftOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")

	_ = AtomicWriteRaw(path, []byte(`{"broken": [`))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".simq-tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("not json at all"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	moved, err := Quarantine(path)
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original file should be gone")
	}
	content, err := os.ReadFile(moved)
	if err != nil {
		t.Fatalf("ReadFile quarantined failed: %v", err)
	}
	if string(content) != "not json at all" {
		t.Errorf("quarantined content altered: %q", content)
	}
	if !strings.HasSuffix(moved, ".corrupt") {
		t.Errorf("quarantine name should end in .corrupt: %s", moved)
	}
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := AtomicWrite(path, map[string]string{"v": "good"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"v": "newer"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	// Simulate corruption of the live file.
	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatalf("corrupt write failed: %v", err)
	}

	if err := RestoreFromBackup(path); err != nil {
		t.Fatalf("RestoreFromBackup failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal(content, &data); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if data["v"] != "good" {
		t.Errorf("restored content: got %q, want %q", data["v"], "good")
	}
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	dir := t.TempDir()
	if err := RestoreFromBackup(filepath.Join(dir, "none.json")); err == nil {
		t.Error("expected error when no backup exists")
	}
}
