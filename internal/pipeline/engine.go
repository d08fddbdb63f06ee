// Package pipeline runs a linear chain of command-line tools, feeding each
// step's output file to the next one through a scratch directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cmdflow/internal/config"
	"cmdflow/internal/logging"
	"cmdflow/internal/process"
	"cmdflow/internal/util"
)

var (
	// ErrActionNotFound aborts a run whose step names an unknown command.
	ErrActionNotFound = errors.New("action not found")
	// ErrEmptyPipeline is returned for a pipeline without steps.
	ErrEmptyPipeline = errors.New("pipeline has no steps")
	// ErrNoStepOutput marks a step that succeeded but left nothing for the next step.
	ErrNoStepOutput = errors.New("step produced no output")
	// ErrRunning is returned when Run is called on an engine that is already running.
	ErrRunning = errors.New("pipeline engine is already running")
)

// State is the lifecycle of one engine run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// EventType names the notifications an Engine emits.
type EventType string

const (
	EventStepStarted  EventType = "step_started"
	EventStepFinished EventType = "step_finished"
	EventRunFinished  EventType = "run_finished"
)

// Event is delivered synchronously to EngineOpts.OnEvent.
type Event struct {
	Type        EventType
	Pipeline    string
	Step        int // 0-based; -1 for run events
	Command     string
	CommandLine string
	ExitCode    int
	State       State
	Err         error
}

// Request is one pipeline run.
type Request struct {
	Pipeline config.Pipeline
	Commands map[string]config.CommandDefinition
	Input    string
	// FinalOutputPath is a file, or a directory to receive <inputBase>.<ext>.
	// Empty leaves the last step's output wherever the tool writes by default.
	FinalOutputPath string
	// FinalOutputFormat replaces the last step's output format and its flags.
	FinalOutputFormat string
}

// Result is the outcome of a run. Stdout and Stderr accumulate across steps.
type Result struct {
	Stdout       string
	Stderr       string
	ExitCode     int
	State        State
	FailedStep   int // 0-based; -1 when no step failed
	OutputPath   string
	CommandLines []string
	// ScratchDir is set only when CleanupIntermediates is off and intermediates
	// were written. The directory is then left on disk for the caller to remove.
	ScratchDir string
	Duration   time.Duration
}

// --- Interfaces for Dependencies ---

// CommandRunner runs one command line at a time.
type CommandRunner interface {
	Run(ctx context.Context, commandLine string) (*process.Result, error)
	Cancel()
}

// EngineOpts configures an Engine. Zero values fall back to defaults.
type EngineOpts struct {
	Process process.Opts
	// NewRunner creates the runner for one run. Defaults to process.New.
	NewRunner func(process.Opts) CommandRunner
	// ScratchRoot is where scratch directories are created; empty means os.TempDir.
	ScratchRoot string
	OnEvent     func(Event)
	OnOutput    func(step int, stream process.Stream, chunk []byte)
}

// Engine executes pipelines one at a time.
type Engine struct {
	opts EngineOpts

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) *Engine {
	if opts.NewRunner == nil {
		opts.NewRunner = func(o process.Opts) CommandRunner { return process.New(o) }
	}
	return &Engine{opts: opts, state: StateIdle}
}

// State returns the state of the current or most recent run.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cancel terminates the running step and stops the run before the next one.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		logging.Logf(logging.Info, "Cancelling pipeline run")
		cancel()
	}
}

func (e *Engine) emit(ev Event) {
	if e.opts.OnEvent != nil {
		e.opts.OnEvent(ev)
	}
}

func (e *Engine) finish(name string, state State, err error) {
	e.mu.Lock()
	e.state = state
	e.cancel = nil
	e.mu.Unlock()
	e.emit(Event{Type: EventRunFinished, Pipeline: name, Step: -1, State: state, Err: err})
}

// Run executes req's steps in order. A non-zero step exit or a cancellation is
// reported through Result with a nil error. Errors are returned for an unknown
// command, an empty pipeline, a process that cannot be started, or scratch
// directory failures. Intermediate directories are removed only after a
// successful run with CleanupIntermediates set; nothing is rolled back on failure.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	name := req.Pipeline.Name
	if len(req.Pipeline.Steps) == 0 {
		return nil, fmt.Errorf("pipeline '%s': %w", name, ErrEmptyPipeline)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return nil, ErrRunning
	}
	e.state = StateRunning
	e.cancel = cancel
	e.mu.Unlock()

	result, err := e.run(runCtx, req)
	state := StateFailed
	if result != nil {
		state = result.State
	}
	e.finish(name, state, err)
	return result, err
}

func (e *Engine) run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	steps := append([]config.PipelineStep(nil), req.Pipeline.Steps...)
	last := len(steps) - 1
	if req.FinalOutputFormat != "" {
		steps[last] = ApplyFormatOverride(steps[last], req.Commands[steps[last].Command], req.FinalOutputFormat)
	}

	scratch, err := os.MkdirTemp(e.opts.ScratchRoot, "cmdflow-run-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	logging.Logf(logging.Debug, "Pipeline '%s': scratch directory %s", req.Pipeline.Name, scratch)

	var stdout, stderr strings.Builder
	result := &Result{State: StateRunning, FailedStep: -1, ScratchDir: scratch}
	var intermediates []string
	defer func() {
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.Duration = time.Since(start)
		if result.State == StateSucceeded && req.Pipeline.CleanupIntermediates {
			for _, dir := range intermediates {
				if err := os.RemoveAll(dir); err != nil {
					logging.Logf(logging.Warning, "Failed to remove intermediate directory '%s': %v", dir, err)
				}
			}
		}
		remove := os.Remove
		if req.Pipeline.CleanupIntermediates {
			remove = os.RemoveAll
		}
		if err := remove(scratch); err == nil {
			result.ScratchDir = ""
		} else if req.Pipeline.CleanupIntermediates {
			logging.Logf(logging.Warning, "Failed to remove scratch directory '%s': %v", scratch, err)
		} else {
			logging.Logf(logging.Debug, "Keeping scratch directory %s with intermediates", scratch)
		}
	}()

	current := req.Input
	for i, step := range steps {
		if ctx.Err() != nil {
			result.State = StateCancelled
			result.ExitCode = process.ExitCancelled
			result.FailedStep = i
			return result, nil
		}

		def, ok := req.Commands[step.Command]
		if !ok {
			result.State = StateFailed
			result.FailedStep = i
			return result, fmt.Errorf("step %d: %w: '%s'", i+1, ErrActionNotFound, step.Command)
		}

		ext := OutputExtension(def, step.OutputFormat)
		var location string
		switch {
		case i == last && req.FinalOutputPath != "":
			location, err = FinalOutputLocation(req.FinalOutputPath, req.Input, ext)
			if err != nil {
				result.State = StateFailed
				result.FailedStep = i
				return result, err
			}
			if def.Output == nil && def.ExecutionMode != config.ModePipe {
				logging.Logf(logging.Warning, "Command '%s' declares no output flag; final output path '%s' is ignored", def.Name, location)
			}
		case i == last:
		default:
			stepDir := filepath.Join(scratch, fmt.Sprintf("step_%d", i+1))
			if err := os.MkdirAll(stepDir, 0o755); err != nil {
				result.State = StateFailed
				result.FailedStep = i
				return result, fmt.Errorf("failed to create intermediate directory: %w", err)
			}
			intermediates = append(intermediates, stepDir)
			location = stepDir
			if def.ExecutionMode == config.ModePipe || (def.Output != nil && def.Output.Target == config.OutputFile) {
				location = filepath.Join(stepDir, outputFileName(req.Input, ext))
			}
		}

		line := BuildCommandLine(Invocation{
			Definition:   def,
			OutputFormat: step.OutputFormat,
			ExtraOptions: step.ExtraOptions,
			Input:        current,
			Output:       location,
		})
		result.CommandLines = append(result.CommandLines, line)
		logging.Logf(logging.Info, "Step %d/%d (%s): %s", i+1, len(steps), step.Command, line)
		e.emit(Event{Type: EventStepStarted, Pipeline: req.Pipeline.Name, Step: i, Command: step.Command, CommandLine: line})

		procOpts := e.opts.Process
		if e.opts.OnOutput != nil {
			stepIndex := i
			procOpts.OnOutput = func(stream process.Stream, chunk []byte) { e.opts.OnOutput(stepIndex, stream, chunk) }
		}
		runner := e.opts.NewRunner(procOpts)
		stepResult, err := runner.Run(ctx, line)
		if err != nil {
			result.State = StateFailed
			result.FailedStep = i
			result.ExitCode = -1
			e.emit(Event{Type: EventStepFinished, Pipeline: req.Pipeline.Name, Step: i, Command: step.Command, CommandLine: line, ExitCode: -1, State: StateFailed, Err: err})
			return result, fmt.Errorf("step %d (%s): %w", i+1, step.Command, err)
		}
		stdout.WriteString(stepResult.Stdout)
		stderr.WriteString(stepResult.Stderr)
		result.ExitCode = stepResult.ExitCode

		stepState := StateSucceeded
		switch {
		case stepResult.Cancelled:
			stepState = StateCancelled
		case stepResult.ExitCode != 0:
			stepState = StateFailed
		}
		e.emit(Event{Type: EventStepFinished, Pipeline: req.Pipeline.Name, Step: i, Command: step.Command, CommandLine: line, ExitCode: stepResult.ExitCode, State: stepState})
		if stepState != StateSucceeded {
			logging.Logf(logging.Error, "Step %d (%s) %s with exit code %d", i+1, step.Command, stepState, stepResult.ExitCode)
			result.State = stepState
			result.FailedStep = i
			return result, nil
		}

		if i == last {
			if location != "" {
				if _, statErr := os.Stat(location); statErr == nil {
					result.OutputPath = location
				}
			}
			break
		}
		next, err := LocateOutput(location)
		if err != nil {
			logging.Logf(logging.Error, "Step %d (%s): %v", i+1, step.Command, err)
			fmt.Fprintf(&stderr, "step %d (%s): %v\n", i+1, step.Command, err)
			result.State = StateFailed
			result.FailedStep = i
			result.ExitCode = 1
			return result, nil
		}
		logging.Logf(logging.Debug, "Step %d output: %s", i+1, next)
		current = next
	}

	result.State = StateSucceeded
	logging.Logf(logging.Info, "Pipeline '%s' finished in %v", req.Pipeline.Name, time.Since(start))
	return result, nil
}

func outputFileName(input, ext string) string {
	base := util.BaseName(input)
	if base == "" {
		base = "output"
	}
	return base + "." + ext
}
