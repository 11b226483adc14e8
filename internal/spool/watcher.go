// Package spool watches a drop folder for queue definition files and
// executes them one at a time as they appear.
package spool

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mtakala/simq/internal/lock"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Subdirectories of the spool where processed files end up.
const (
	DoneDir   = "done"
	FailedDir = "failed"
)

// workSuffix marks a claimed file so rescans skip it.
const workSuffix = ".work"

// RunQueueFunc executes one dropped queue file. A non-nil error moves
// the file to failed/ instead of done/.
type RunQueueFunc func(ctx context.Context, queuePath string) error

// Watcher owns the spool directory. Dropped *.json files are claimed
// by rename and executed strictly one at a time, in arrival order.
type Watcher struct {
	spoolDir string
	runQueue RunQueueFunc
	logLevel LogLevel
	logger   *log.Logger

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	pending chan string
	queued  map[string]bool
	mu      sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// Options configures a Watcher.
type Options struct {
	SpoolDir        string
	RunQueue        RunQueueFunc
	ScanIntervalSec int
	LogLevel        string
	LogWriter       io.Writer
}

func New(opts Options) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := opts.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 60
	}
	w := opts.LogWriter
	if w == nil {
		w = io.Discard
	}

	return &Watcher{
		spoolDir: opts.SpoolDir,
		runQueue: opts.RunQueue,
		logLevel: parseLogLevel(opts.LogLevel),
		logger:   log.New(w, "", 0),
		fileLock: lock.New(filepath.Join(opts.SpoolDir, "spool.lock")),
		ticker:   time.NewTicker(time.Duration(scanInterval) * time.Second),
		pending:  make(chan string, 128),
		queued:   make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run starts the watcher and blocks until a shutdown signal arrives.
func (w *Watcher) Run() error {
	for _, d := range []string{w.spoolDir, filepath.Join(w.spoolDir, DoneDir), filepath.Join(w.spoolDir, FailedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}

	if err := w.fileLock.TryLock(); err != nil {
		return fmt.Errorf("spool lock: %w", err)
	}
	w.log(LogLevelInfo, "watching %s pid=%d", w.spoolDir, os.Getpid())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.watcher = watcher
	if err := watcher.Add(w.spoolDir); err != nil {
		w.cleanup()
		return fmt.Errorf("watch %s: %w", w.spoolDir, err)
	}

	w.wg.Add(3)
	go w.fsnotifyLoop()
	go w.tickerLoop()
	go w.processLoop()

	w.scan()
	w.log(LogLevelInfo, "spool watcher ready")

	w.waitSignals()
	return nil
}

// fsnotifyLoop enqueues queue files as they are dropped.
func (w *Watcher) fsnotifyLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				w.enqueue(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop rescans periodically, catching files dropped while events
// were lost (network mounts, editor rename tricks).
func (w *Watcher) tickerLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.ticker.C:
			w.log(LogLevelDebug, "periodic scan triggered")
			w.scan()
		}
	}
}

// processLoop runs claimed queue files sequentially.
func (w *Watcher) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case path := <-w.pending:
			w.process(path)
			w.mu.Lock()
			delete(w.queued, path)
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		w.log(LogLevelError, "scan spool: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.enqueue(filepath.Join(w.spoolDir, entry.Name()))
	}
}

func (w *Watcher) enqueue(path string) {
	if !strings.HasSuffix(path, ".json") || filepath.Dir(path) != filepath.Clean(w.spoolDir) {
		return
	}
	// A controller state snapshot is not a dropped queue definition.
	if strings.HasSuffix(path, "_state.json") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queued[path] {
		return
	}

	select {
	case w.pending <- path:
		w.queued[path] = true
	default:
		w.log(LogLevelWarn, "spool backlog full, %s picked up on next scan", filepath.Base(path))
	}
}

// process claims the file by rename, runs it, and files the result.
// A failed claim means the file vanished or another pass took it.
func (w *Watcher) process(path string) {
	claimed := path + workSuffix
	if err := os.Rename(path, claimed); err != nil {
		w.log(LogLevelDebug, "claim %s: %v", filepath.Base(path), err)
		return
	}

	name := filepath.Base(path)
	w.log(LogLevelInfo, "executing queue file %s", name)

	err := w.runQueue(w.ctx, claimed)
	if w.ctx.Err() != nil {
		// Interrupted: put the file back for the next watcher.
		if renameErr := os.Rename(claimed, path); renameErr != nil {
			w.log(LogLevelError, "restore %s: %v", name, renameErr)
		}
		return
	}

	dest := filepath.Join(w.spoolDir, DoneDir, name)
	if err != nil {
		w.log(LogLevelError, "queue file %s failed: %v", name, err)
		dest = filepath.Join(w.spoolDir, FailedDir, name)
	} else {
		w.log(LogLevelInfo, "queue file %s finished", name)
	}
	if renameErr := os.Rename(claimed, dest); renameErr != nil {
		w.log(LogLevelError, "file %s: %v", name, renameErr)
	}
}

// waitSignals blocks until a shutdown signal is received.
func (w *Watcher) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	w.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		w.log(LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	w.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (w *Watcher) Shutdown() {
	w.shutdown.Do(func() {
		w.log(LogLevelInfo, "shutdown started")

		w.cancel()
		w.ticker.Stop()
		if w.watcher != nil {
			w.watcher.Close()
		}

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			w.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(30 * time.Second):
			w.log(LogLevelWarn, "shutdown timeout, some operations may be incomplete")
		}

		w.cleanup()
		w.log(LogLevelInfo, "spool watcher stopped")
	})
}

func (w *Watcher) cleanup() {
	w.fileLock.Unlock()
}

func (w *Watcher) log(level LogLevel, format string, args ...any) {
	if level < w.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s spool: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
