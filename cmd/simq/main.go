package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/mtakala/simq/internal/controller"
	"github.com/mtakala/simq/internal/events"
	"github.com/mtakala/simq/internal/executor"
	"github.com/mtakala/simq/internal/finalizer"
	"github.com/mtakala/simq/internal/lock"
	"github.com/mtakala/simq/internal/model"
	"github.com/mtakala/simq/internal/reporter"
	"github.com/mtakala/simq/internal/setup"
	"github.com/mtakala/simq/internal/spool"
	"github.com/mtakala/simq/internal/state"
	"github.com/mtakala/simq/internal/status"
	"github.com/mtakala/simq/templates"
)

const version = "1.0.0"

// Exit codes: 0 all runs completed, 1 usage/config/state errors,
// 2 one or more runs failed or the queue halted, 130 interrupted.
const (
	exitOK          = 0
	exitError       = 1
	exitRunsFailed  = 2
	exitInterrupted = 130
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitError)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "create":
		runCreate(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "version":
		fmt.Printf("simq %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitError)
	}
}

type runFlags struct {
	queuePath string
	statePath string
	stateDir  string
	resume    bool
	dryRun    bool
	yes       bool
}

func runRun(args []string) {
	var flags runFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--resume":
			flags.resume = true
		case "--dry-run":
			flags.dryRun = true
		case "--yes", "-y":
			flags.yes = true
		case "--save-state":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--save-state requires a path")
				os.Exit(exitError)
			}
			i++
			flags.statePath = args[i]
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
				printRunUsage()
				os.Exit(exitError)
			}
			if flags.queuePath != "" {
				fmt.Fprintln(os.Stderr, "run takes exactly one queue file")
				os.Exit(exitError)
			}
			flags.queuePath = args[i]
		}
	}
	if flags.queuePath == "" {
		printRunUsage()
		os.Exit(exitError)
	}

	os.Exit(executeQueueFile(signalContext(), flags))
}

// executeQueueFile runs one queue definition end to end and returns
// the process exit code. Shared by `simq run` and the spool watcher.
func executeQueueFile(ctx context.Context, flags runFlags) int {
	def, err := model.LoadQueueDefinition(flags.queuePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitError
	}

	statePath := flags.statePath
	if statePath == "" {
		if flags.stateDir != "" {
			statePath = filepath.Join(flags.stateDir, def.QueueName+"_state.json")
		} else {
			statePath = defaultStatePath(flags.queuePath, def.QueueName)
		}
	}
	store := state.NewStore(statePath)

	prior, err := loadPriorState(store, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitError
	}

	if !flags.dryRun && !flags.yes {
		if !confirmExecution(def, prior != nil) {
			fmt.Fprintln(os.Stderr, "aborted")
			return exitError
		}
	}

	cfg, projectRoot := loadProjectConfig()
	logger, logClose := openLogger(cfg, projectRoot)
	defer logClose()

	bus := events.NewBus()
	runLog := openRunLog(cfg, projectRoot, def.QueueName, flags.dryRun)
	if runLog != nil {
		defer runLog.Close()
	}
	rep := reporter.New(os.Stdout, os.Stderr, runLog)
	defer rep.Attach(bus)()

	exec := executor.New(cfg.Runner.Interpreter, projectRoot, logger)
	exec.AutoConfirm = cfg.Runner.AutoConfirm
	exec.Stdout = os.Stdout
	exec.Stderr = os.Stderr
	if cfg.Database.Root != "" {
		exec.Finalizer = finalizer.NewLocalDB(resolvePath(projectRoot, cfg.Database.Root), logger)
	} else {
		exec.Finalizer = finalizer.Noop{}
	}

	if !flags.dryRun {
		fl := lock.ForState(statePath)
		if err := fl.TryLock(); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			return exitError
		}
		defer fl.Unlock()
	}

	ctrl := controller.New(controller.Options{
		Definition: def,
		Store:      store,
		Executor:   exec,
		Bus:        bus,
		Logger:     logger,
		DryRun:     flags.dryRun,
	})

	report, err := ctrl.Execute(ctx, prior)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitError
	}
	rep.PrintSummary(report)
	if !flags.dryRun {
		fmt.Printf("State saved to %s\n", statePath)
	}

	switch {
	case report.Interrupted:
		if !flags.dryRun {
			fmt.Printf("Resume with: simq run --resume %s\n", flags.queuePath)
		}
		return exitInterrupted
	case !report.Success():
		return exitRunsFailed
	default:
		return exitOK
	}
}

// loadPriorState decides between fresh start and resume. An existing
// state file without --resume is an error so a forgotten flag cannot
// silently restart a half-finished queue. Only the real execution path
// may repair a corrupt file; dry run reads without side effects.
func loadPriorState(store *state.Store, flags runFlags) (*model.QueueState, error) {
	load := store.LoadForExecution
	if flags.dryRun {
		load = store.Load
	}
	prior, err := load()
	switch {
	case errors.Is(err, state.ErrNotFound):
		if flags.resume {
			fmt.Fprintf(os.Stderr, "note: no state file at %s, starting fresh\n", store.Path())
		}
		return nil, nil
	case err != nil:
		return nil, err
	}

	if flags.dryRun || flags.resume {
		return prior, nil
	}
	return nil, fmt.Errorf("state file %s already exists; pass --resume to continue or remove it to start over", store.Path())
}

func confirmExecution(def *model.QueueDefinition, resuming bool) bool {
	action := "Execute"
	if resuming {
		action = "Resume"
	}
	fmt.Printf("%s queue %q (%d runs, error handling: %s)? [y/N] ",
		action, def.QueueName, def.EnabledCount(), def.ErrorHandling)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func runCreate(args []string) {
	example := "sweep"
	outPath := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--example":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--example requires a value")
				os.Exit(exitError)
			}
			i++
			example = args[i]
		case "-o", "--output":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "-o requires a path")
				os.Exit(exitError)
			}
			i++
			outPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: simq create [--example simple|sweep|mixed] [-o <file>]\n", args[i])
			os.Exit(exitError)
		}
	}

	templateNames := map[string]string{
		"simple": "simple_queue.json",
		"sweep":  "parameter_sweep_queue.json",
		"mixed":  "mixed_queue.json",
	}
	name, ok := templateNames[example]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown example %q (must be simple, sweep, or mixed)\n", example)
		os.Exit(exitError)
	}
	if outPath == "" {
		outPath = name
	}

	data, err := fs.ReadFile(templates.FS, "queues/"+name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create: read template: %v\n", err)
		os.Exit(exitError)
	}
	if _, err := os.Stat(outPath); err == nil {
		fmt.Fprintf(os.Stderr, "create: %s already exists\n", outPath)
		os.Exit(exitError)
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		os.Exit(exitError)
	}
	fmt.Printf("Created %s\nEdit the scripts and sweeps, then execute it with: simq run %s\n", outPath, outPath)
}

func runStatus(args []string) {
	jsonOutput := false
	statePath := ""
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			if strings.HasPrefix(a, "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: simq status <state.json> [--json]\n", a)
				os.Exit(exitError)
			}
			statePath = a
		}
	}
	if statePath == "" {
		fmt.Fprintln(os.Stderr, "usage: simq status <state.json> [--json]")
		os.Exit(exitError)
	}

	if err := status.Run(statePath, jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(exitError)
	}
}

func runSetup(args []string) {
	projectName := ""
	projectDir := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(exitError)
			}
			i++
			projectName = args[i]
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: simq setup <project_dir> [--name <name>]\n", args[i])
				os.Exit(exitError)
			}
			projectDir = args[i]
		}
	}
	if projectDir == "" {
		fmt.Fprintln(os.Stderr, "usage: simq setup <project_dir> [--name <name>]")
		os.Exit(exitError)
	}

	if err := setup.Run(projectDir, projectName); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(exitError)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized simq project in %s\n", absDir)
	fmt.Printf("Example queues are in %s\n", filepath.Join(absDir, "queues"))
}

func runWatch(args []string) {
	spoolDir := ""
	interval := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--spool":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--spool requires a path")
				os.Exit(exitError)
			}
			i++
			spoolDir = args[i]
		case "--interval":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--interval requires seconds")
				os.Exit(exitError)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid interval: %s\n", args[i])
				os.Exit(exitError)
			}
			interval = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: simq watch [--spool <dir>] [--interval <sec>]\n", args[i])
			os.Exit(exitError)
		}
	}

	cfg, projectRoot := loadProjectConfig()
	if spoolDir == "" {
		spoolDir = resolvePath(projectRoot, cfg.Spool.Dir)
	}
	if interval == 0 {
		interval = cfg.Spool.ScanIntervalSec
	}

	logWriter, logClose := openWatchLog(cfg, projectRoot)
	defer logClose()

	// State files live outside the spool so rescans never mistake a
	// snapshot for a dropped queue definition.
	stateDir := filepath.Join(spoolDir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "watch: create state dir: %v\n", err)
		os.Exit(exitError)
	}

	w := spool.New(spool.Options{
		SpoolDir:        spoolDir,
		ScanIntervalSec: interval,
		LogLevel:        cfg.Logging.Level,
		LogWriter:       logWriter,
		RunQueue: func(ctx context.Context, queuePath string) error {
			code := executeQueueFile(ctx, runFlags{
				queuePath: queuePath,
				stateDir:  stateDir,
				resume:    true,
				yes:       true,
			})
			if code != exitOK {
				return fmt.Errorf("exit code %d", code)
			}
			return nil
		},
	})

	if err := w.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(exitError)
	}
}

// signalContext cancels on SIGINT/SIGTERM; a second signal force-exits.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nreceived %s, stopping after the current step\n", sig)
		cancel()
		<-sigCh
		fmt.Fprintln(os.Stderr, "received second signal, forcing exit")
		os.Exit(exitInterrupted)
	}()
	return ctx
}

// defaultStatePath places the state file next to the queue definition.
func defaultStatePath(queuePath, queueName string) string {
	return filepath.Join(filepath.Dir(queuePath), queueName+"_state.json")
}

// findProjectRoot walks upward looking for a simq.yaml.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, setup.ConfigFileName)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadProjectConfig loads simq.yaml when inside a project; outside one,
// defaults apply and paths resolve against the working directory.
func loadProjectConfig() (model.Config, string) {
	var cfg model.Config
	root := findProjectRoot()
	if root != "" {
		data, err := os.ReadFile(filepath.Join(root, setup.ConfigFileName))
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				fmt.Fprintf(os.Stderr, "warning: ignoring malformed %s: %v\n", setup.ConfigFileName, err)
				cfg = model.Config{}
			}
		}
	}
	cfg.ApplyDefaults()
	if cfg.Project.Root != "" {
		root = cfg.Project.Root
	}
	return cfg, root
}

func resolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) || root == "" {
		return p
	}
	return filepath.Join(root, p)
}

// openLogger opens the project execution log, or discards when no
// project directory exists.
func openLogger(cfg model.Config, projectRoot string) (*log.Logger, func()) {
	if projectRoot == "" {
		return log.New(io.Discard, "", 0), func() {}
	}
	w, closer := openLogFile(cfg, projectRoot, "simq.log")
	return log.New(w, "", log.LstdFlags), closer
}

func openWatchLog(cfg model.Config, projectRoot string) (io.Writer, func()) {
	if projectRoot == "" {
		return os.Stderr, func() {}
	}
	return openLogFile(cfg, projectRoot, "watch.log")
}

func openLogFile(cfg model.Config, projectRoot, name string) (io.Writer, func()) {
	logDir := resolvePath(projectRoot, cfg.Logging.Dir)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create log dir: %v\n", err)
		return io.Discard, func() {}
	}
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open log file: %v\n", err)
		return io.Discard, func() {}
	}
	return f, func() { f.Close() }
}

// openRunLog opens the per-queue JSONL run log. Dry runs keep the log
// untouched.
func openRunLog(cfg model.Config, projectRoot, queueName string, dryRun bool) *events.RunLog {
	if dryRun || projectRoot == "" {
		return nil
	}
	logDir := resolvePath(projectRoot, cfg.Logging.Dir)
	runLog, err := events.NewRunLog(filepath.Join(logDir, queueName+".jsonl"), 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: run log unavailable: %v\n", err)
		return nil
	}
	return runLog
}

func printRunUsage() {
	fmt.Fprintln(os.Stderr, "usage: simq run <queue.json> [--resume] [--dry-run] [--yes] [--save-state <file>]")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `simq %s - sequential simulation queue runner

Usage: simq <command> [options]

Queues:
  run <queue.json> [flags]   Execute a queue definition
      --resume               Continue from an existing state file
      --dry-run              Preview commands without executing
      --yes, -y              Skip the confirmation prompt
      --save-state <file>    Override the state file location
  create [--example simple|sweep|mixed] [-o <file>]
                             Write an example queue definition
  status <state.json> [--json]
                             Summarize a queue state file

Project:
  setup <dir> [--name <name>]  Initialize a simq project
  watch [--spool <dir>] [--interval <sec>]
                             Execute queue files dropped into the spool

Utilities:
  version           Show version
  help              Show this help

`, version)
}
