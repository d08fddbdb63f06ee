// Package chain runs API pipelines: endpoint calls in sequence, threading
// extracted variables from each step into the next.
package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http/cookiejar"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cmdflow/internal/config"
	"cmdflow/internal/logging"
	"cmdflow/internal/request"
	"cmdflow/internal/template"
	"cmdflow/internal/util"
)

var (
	// ErrEmptyPipeline is returned for an API pipeline without steps.
	ErrEmptyPipeline = errors.New("api pipeline has no steps")
	// ErrEndpointNotFound aborts a run whose step references an unknown endpoint.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrStepFailed marks a step that returned a non-2xx status.
	ErrStepFailed = errors.New("step failed")
	// ErrRunning is returned when Run is called on a runner that is already running.
	ErrRunning = errors.New("api pipeline runner is already running")
)

// RunState is the lifecycle of one run.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// EventType names the notifications a Runner emits.
type EventType string

const (
	EventStepStarted  EventType = "step_started"
	EventStepFinished EventType = "step_finished"
	EventRunFinished  EventType = "run_finished"
)

// Event is delivered synchronously to RunnerOpts.OnEvent.
type Event struct {
	Type       EventType
	Pipeline   string
	Step       int // 0-based; -1 for run events
	Endpoint   string
	StatusCode int
	State      RunState
	Err        error
}

// Result is the outcome of a run.
type Result struct {
	// Response is the last successful step's response.
	Response   *request.Response
	Responses  []*request.Response
	Variables  map[string]string
	State      RunState
	FailedStep int // 0-based; -1 when no step failed
	Duration   time.Duration
}

// --- Interfaces for Dependencies ---

// stepRunner performs one endpoint call.
type stepRunner interface {
	Run(ctx context.Context, ep config.APIEndpoint, vars map[string]string) (*request.Response, error)
}

// RunnerOpts configures a Runner. Nil fields use the defaults.
type RunnerOpts struct {
	// Requests defaults to a request.Executor with a cookie jar scoped to the run.
	Requests stepRunner
	Retry    config.RetryConfig
	// MergeEnv seeds the pool with the process environment before the initial variables.
	MergeEnv bool
	OnEvent  func(Event)
}

// Runner executes API pipelines one at a time.
type Runner struct {
	opts RunnerOpts

	mu     sync.Mutex
	state  RunState
	cancel context.CancelFunc
}

// NewRunner creates a Runner with default dependencies.
func NewRunner() *Runner {
	return NewRunnerWithOpts(RunnerOpts{})
}

// NewRunnerWithOpts creates a Runner with injected dependencies.
func NewRunnerWithOpts(opts RunnerOpts) *Runner {
	return &Runner{opts: opts, state: StateIdle}
}

// State returns the state of the current or most recent run.
func (r *Runner) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cancel aborts the in-flight request and stops the run.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		logging.Logf(logging.Info, "Cancelling API pipeline run")
		cancel()
	}
}

func (r *Runner) emit(ev Event) {
	if r.opts.OnEvent != nil {
		r.opts.OnEvent(ev)
	}
}

// Run executes p's steps in order against endpoints, starting from initial.
// Before each call the step's input mappings are substituted against the
// current pool and stored; after it, extracted variables are folded into the
// pool. The run stops at the first unknown endpoint, transport error,
// non-2xx status or cancellation; the returned Result is non-nil whenever
// the run started.
func (r *Runner) Run(ctx context.Context, p config.APIPipeline, endpoints map[uuid.UUID]config.APIEndpoint, initial map[string]string) (*Result, error) {
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("api pipeline '%s': %w", p.Name, ErrEmptyPipeline)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		return nil, ErrRunning
	}
	r.state = StateRunning
	r.cancel = cancel
	r.mu.Unlock()

	result, err := r.run(runCtx, p, endpoints, initial)

	r.mu.Lock()
	r.state = result.State
	r.cancel = nil
	r.mu.Unlock()
	r.emit(Event{Type: EventRunFinished, Pipeline: p.Name, Step: -1, State: result.State, Err: err})
	return result, err
}

func (r *Runner) run(ctx context.Context, p config.APIPipeline, endpoints map[uuid.UUID]config.APIEndpoint, initial map[string]string) (*Result, error) {
	start := time.Now()
	state := NewState()
	if r.opts.MergeEnv {
		state.MergeOSEnv()
	}
	state.MergeMap(initial)

	requests := r.opts.Requests
	if requests == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return &Result{State: StateFailed, FailedStep: -1}, fmt.Errorf("create cookie jar: %w", err)
		}
		requests = request.NewExecutorWithOpts(request.ExecutorOpts{Jar: jar, Retry: r.opts.Retry})
	}

	result := &Result{State: StateRunning, FailedStep: -1}
	finish := func(s RunState, failed int) {
		result.State = s
		result.FailedStep = failed
		result.Variables = state.GetAll()
		result.Duration = time.Since(start)
	}

	for i, step := range p.Steps {
		if ctx.Err() != nil {
			finish(StateCancelled, i)
			return result, fmt.Errorf("api pipeline '%s' cancelled before step %d: %w", p.Name, i+1, ctx.Err())
		}

		for _, key := range sortedKeys(step.InputMappings) {
			state.Set(key, template.Substitute(step.InputMappings[key], state.GetAll()))
		}

		ep, ok := endpoints[step.EndpointID]
		if !ok {
			finish(StateFailed, i)
			ref := step.Endpoint
			if ref == "" {
				ref = step.EndpointID.String()
			}
			return result, fmt.Errorf("step %d: %w: '%s'", i+1, ErrEndpointNotFound, ref)
		}

		logging.Logf(logging.Info, "API step %d/%d: endpoint '%s'", i+1, len(p.Steps), ep.Name)
		r.emit(Event{Type: EventStepStarted, Pipeline: p.Name, Step: i, Endpoint: ep.Name})
		resp, err := requests.Run(ctx, ep, state.GetAll())
		if err != nil {
			s := StateFailed
			if ctx.Err() != nil {
				s = StateCancelled
			}
			r.emit(Event{Type: EventStepFinished, Pipeline: p.Name, Step: i, Endpoint: ep.Name, State: s, Err: err})
			finish(s, i)
			return result, fmt.Errorf("step %d (%s): %w", i+1, ep.Name, err)
		}
		result.Responses = append(result.Responses, resp)

		if !resp.Success() {
			err := fmt.Errorf("step %d (%s): %w: status %d: %s", i+1, ep.Name, ErrStepFailed, resp.StatusCode, util.Snippet(resp.Body))
			r.emit(Event{Type: EventStepFinished, Pipeline: p.Name, Step: i, Endpoint: ep.Name, StatusCode: resp.StatusCode, State: StateFailed, Err: err})
			finish(StateFailed, i)
			return result, err
		}

		state.Fold(i+1, resp.ExtractedVariables)
		result.Response = resp
		r.emit(Event{Type: EventStepFinished, Pipeline: p.Name, Step: i, Endpoint: ep.Name, StatusCode: resp.StatusCode, State: StateSucceeded})
	}

	finish(StateSucceeded, -1)
	logging.Logf(logging.Info, "API pipeline '%s' finished in %v", p.Name, result.Duration)
	return result, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
