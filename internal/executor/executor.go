// Package executor runs a single simulation script and its generated
// batch file, parsing marker lines from the script's output.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mtakala/simq/internal/finalizer"
	"github.com/mtakala/simq/internal/model"
)

// Marker labels the simulation script prints on stdout. The last
// occurrence of each wins, so scripts may log intermediate folders.
const (
	outputFolderMarker = "Output folder:"
	batFileMarker      = "Batch file:"
)

// Outcome is the result of one run attempt.
type Outcome struct {
	Status       model.Status
	Error        string
	OutputFolder string
	BatFile      string
	ExitCode     *int
	Captured     string
}

// BatRunner executes a generated batch file. Split out so tests can
// substitute a fake for the real ANSYS invocation.
type BatRunner func(ctx context.Context, batFile string, stdout, stderr io.Writer) error

// Executor spawns simulation scripts via a configured interpreter.
type Executor struct {
	Interpreter string
	ProjectRoot string
	AutoConfirm bool
	Stdout      io.Writer
	Stderr      io.Writer
	Finalizer   finalizer.Finalizer
	Logger      *log.Logger

	// RunBat overrides batch-file execution when set.
	RunBat BatRunner
}

// New returns an Executor with sane fallbacks for unset fields.
func New(interpreter, projectRoot string, logger *log.Logger) *Executor {
	if interpreter == "" {
		interpreter = "python"
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Executor{
		Interpreter: interpreter,
		ProjectRoot: projectRoot,
		Stdout:      io.Discard,
		Stderr:      io.Discard,
		Logger:      logger,
	}
}

// CommandLine returns the argv the executor would spawn for a run,
// without spawning it. Used for dry-run previews.
func (e *Executor) CommandLine(run *model.RunSpec, sweep model.SweepParams) ([]string, error) {
	argv := []string{e.Interpreter, e.resolveScript(run.Script)}
	if len(sweep) > 0 {
		encoded, err := model.MarshalSweep(sweep)
		if err != nil {
			return nil, fmt.Errorf("encode sweep overrides: %w", err)
		}
		argv = append(argv, "--sweep-override", encoded)
	}
	return append(argv, run.Args...), nil
}

// RunOnce executes one run to completion: spawn the script, parse its
// markers, execute the batch file, and finalize the output folder. Any
// failure short-circuits the remaining steps and yields a failed
// Outcome; RunOnce itself only errors on programmer mistakes.
func (e *Executor) RunOnce(ctx context.Context, run *model.RunSpec, sweep model.SweepParams) Outcome {
	argv, err := e.CommandLine(run, sweep)
	if err != nil {
		return Outcome{Status: model.StatusFailed, Error: err.Error()}
	}
	e.Logger.Printf("spawn: %s", strings.Join(argv, " "))

	captured, exitCode, err := e.runScript(ctx, argv)
	out := Outcome{Captured: captured, ExitCode: exitCode}
	if err != nil {
		out.Status = model.StatusFailed
		out.Error = err.Error()
		return out
	}

	out.OutputFolder, err = lastMarkerValue(captured, outputFolderMarker)
	if err != nil {
		out.Status = model.StatusFailed
		out.Error = err.Error()
		return out
	}
	if out.OutputFolder == "" {
		out.Status = model.StatusFailed
		out.Error = "could not find output folder in script output"
		return out
	}
	out.BatFile, err = lastMarkerValue(captured, batFileMarker)
	if err != nil {
		out.Status = model.StatusFailed
		out.Error = err.Error()
		return out
	}
	if out.BatFile == "" {
		out.Status = model.StatusFailed
		out.Error = "could not find batch file"
		return out
	}

	if err := e.runBat(ctx, out.BatFile); err != nil {
		e.Logger.Printf("batch file failed: %v", err)
		out.Status = model.StatusFailed
		out.Error = "ANSYS execution failed"
		return out
	}

	if e.Finalizer != nil {
		if err := e.Finalizer.Finalize(ctx, out.OutputFolder); err != nil {
			out.Status = model.StatusFailed
			out.Error = fmt.Sprintf("finalize failed: %v", err)
			return out
		}
	}

	out.Status = model.StatusCompleted
	return out
}

// runScript spawns the script and tees its stdout to the live writer
// while capturing it for marker parsing. Stderr is passed through.
func (e *Executor) runScript(ctx context.Context, argv []string) (string, *int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if e.AutoConfirm {
		cmd.Stdin = strings.NewReader("y\n")
	}

	var buf bytes.Buffer
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", nil, fmt.Errorf("failed to launch script: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", nil, fmt.Errorf("failed to launch script: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("failed to launch script: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(e.liveStdout(), &buf), stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(e.liveStderr(), stderr)
		return err
	})
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	captured := buf.String()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			return captured, &code, fmt.Errorf("script failed with exit code %d", code)
		}
		return captured, nil, fmt.Errorf("failed to launch script: %w", waitErr)
	}
	if drainErr != nil {
		return captured, nil, fmt.Errorf("read script output: %w", drainErr)
	}
	zero := 0
	return captured, &zero, nil
}

// runBat executes the generated batch file with its own directory as
// working directory, so relative paths inside the file resolve.
func (e *Executor) runBat(ctx context.Context, batFile string) error {
	if e.RunBat != nil {
		return e.RunBat(ctx, batFile, e.liveStdout(), e.liveStderr())
	}
	cmd := exec.CommandContext(ctx, batFile)
	cmd.Dir = filepath.Dir(batFile)
	cmd.Stdout = e.liveStdout()
	cmd.Stderr = e.liveStderr()
	return cmd.Run()
}

func (e *Executor) resolveScript(script string) string {
	if filepath.IsAbs(script) || e.ProjectRoot == "" {
		return script
	}
	return filepath.Join(e.ProjectRoot, script)
}

func (e *Executor) liveStdout() io.Writer {
	if e.Stdout != nil {
		return e.Stdout
	}
	return io.Discard
}

func (e *Executor) liveStderr() io.Writer {
	if e.Stderr != nil {
		return e.Stderr
	}
	return io.Discard
}

// lastMarkerValue scans captured output for lines starting with the
// given marker label and returns the trimmed value of the last one. A
// scan error means the output could not be examined line by line, so
// marker absence cannot be concluded from it.
func lastMarkerValue(captured, marker string) (string, error) {
	var value string
	scanner := bufio.NewScanner(strings.NewReader(captured))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, marker) {
			value = strings.TrimSpace(strings.TrimPrefix(line, marker))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan script output: %w", err)
	}
	return value, nil
}
