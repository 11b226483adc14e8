package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps a run log file at 100MB before rotation.
	DefaultMaxLogSize = 100 * 1024 * 1024
	// ArchiveDir is where rotated logs are moved.
	ArchiveDir = "archive"
)

// LogEntry is a single line of the append-only run log.
type LogEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Queue       string         `json:"queue,omitempty"`
	RunIndex    *int           `json:"run_index,omitempty"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status,omitempty"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// RunLog provides append-only JSONL logging with size-based rotation. It is
// the durable record of what a queue execution did, including full captured
// script output on failures.
type RunLog struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
}

// NewRunLog opens (or creates) an append-only log at logPath.
func NewRunLog(logPath string, maxSize int64) (*RunLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &RunLog{logPath: logPath, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *RunLog) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Append writes one entry as a JSON line, stamping the timestamp if unset.
func (l *RunLog) Append(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("run log closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	line = append(line, '\n')

	if l.currentSize+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := l.file.Write(line)
	l.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	return nil
}

// rotate moves the current file into archive/ with a timestamp suffix and
// reopens a fresh one. Caller holds the mutex.
func (l *RunLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close for rotation: %w", err)
	}
	l.file = nil

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	base := filepath.Base(l.logPath)
	archived := filepath.Join(archiveDir,
		fmt.Sprintf("%s.%s", base, time.Now().Format("20060102T150405")))
	if err := os.Rename(l.logPath, archived); err != nil {
		return fmt.Errorf("archive log: %w", err)
	}

	return l.openLogFile()
}

// Path returns the live log file path.
func (l *RunLog) Path() string {
	return l.logPath
}

// Close releases the log file handle.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
