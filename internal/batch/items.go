package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cmdflow/internal/config"
	"cmdflow/internal/logging"
	"cmdflow/internal/pipeline"
	"cmdflow/internal/process"
	"cmdflow/internal/record"
	"cmdflow/internal/request"
)

// DefaultInputVariable is the pool variable an API item's input is bound to.
const DefaultInputVariable = "input"

// --- Interfaces for Dependencies ---

// commandRunner runs one command line. process.Executor satisfies it.
type commandRunner interface {
	Run(ctx context.Context, commandLine string) (*process.Result, error)
}

// endpointRunner runs one endpoint call. request.Executor satisfies it.
type endpointRunner interface {
	Run(ctx context.Context, ep config.APIEndpoint, vars map[string]string) (*request.Response, error)
}

// CommandItemOpts describes a command batch: one definition applied to every input.
type CommandItemOpts struct {
	Definition   config.CommandDefinition
	OutputFormat string
	ExtraOptions []string
	// Outputs holds the output path for item i, typically from OutputPaths.
	// Nil or empty entries run the command without an output argument.
	Outputs []string
	Process process.Opts
	// NewRunner builds the runner for one item. Defaults to a fresh process.Executor.
	NewRunner func(process.Opts) commandRunner
	Sink      record.Sink
}

// CommandItems returns an ItemFunc that runs the command once per item. Each
// item gets its own executor, so no executor ever has two processes in flight.
func CommandItems(opts CommandItemOpts) ItemFunc {
	newRunner := opts.NewRunner
	if newRunner == nil {
		newRunner = func(p process.Opts) commandRunner { return process.New(p) }
	}
	sink := opts.Sink
	if sink == nil {
		sink = record.Discard{}
	}

	return func(ctx context.Context, item Item) Outcome {
		output := ""
		if item.Index < len(opts.Outputs) {
			output = opts.Outputs[item.Index]
		}
		target, dir := output, filepath.Dir(output)
		if output != "" && opts.Definition.Output != nil && opts.Definition.Output.Target == config.OutputDirectory {
			target = dir
		}
		if output != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return Outcome{Result: fmt.Sprintf("failed to create output directory '%s': %v", dir, err)}
			}
		}

		line := pipeline.BuildCommandLine(pipeline.Invocation{
			Definition:   opts.Definition,
			OutputFormat: opts.OutputFormat,
			ExtraOptions: opts.ExtraOptions,
			Input:        item.Input,
			Output:       target,
		})
		logging.Logf(logging.Debug, "Batch item %d: %s", item.Index+1, line)

		rec := record.New(opts.Definition.Name, line)
		res, err := newRunner(opts.Process).Run(ctx, line)
		if err != nil {
			rec.Finish(record.StatusFailed, "", err.Error(), -1)
			writeRecord(sink, rec)
			return Outcome{Result: err.Error()}
		}

		status := record.StatusSuccess
		switch {
		case res.Cancelled:
			status = record.StatusCancelled
		case !res.Success():
			status = record.StatusFailed
		}
		rec.Finish(status, res.Stdout, res.Stderr, res.ExitCode)
		writeRecord(sink, rec)

		if !res.Success() {
			msg := strings.TrimSpace(res.Stderr)
			if msg == "" {
				msg = strings.TrimSpace(res.Stdout)
			}
			return Outcome{Result: fmt.Sprintf("%s\nexit code %d", msg, res.ExitCode), OutputPath: target}
		}
		return Outcome{Success: true, Result: res.Stdout, OutputPath: target}
	}
}

// APIItemOpts describes an API batch: one endpoint called once per input.
type APIItemOpts struct {
	Endpoint config.APIEndpoint
	// Variable names the placeholder bound to the item's input. Defaults to "input".
	Variable  string
	Variables map[string]string
	Requests  endpointRunner
	Sink      record.Sink
}

// APIItems returns an ItemFunc that calls the endpoint with the item's input
// bound to Variable on top of a copy of Variables.
func APIItems(opts APIItemOpts) ItemFunc {
	if opts.Variable == "" {
		opts.Variable = DefaultInputVariable
	}
	requests := opts.Requests
	if requests == nil {
		requests = request.NewExecutor()
	}
	sink := opts.Sink
	if sink == nil {
		sink = record.Discard{}
	}

	return func(ctx context.Context, item Item) Outcome {
		vars := make(map[string]string, len(opts.Variables)+1)
		for k, v := range opts.Variables {
			vars[k] = v
		}
		vars[opts.Variable] = item.Input

		rec := record.New(opts.Endpoint.Name, opts.Endpoint.Method+" "+opts.Endpoint.URL)
		resp, err := requests.Run(ctx, opts.Endpoint, vars)
		if err != nil {
			status := record.StatusFailed
			if ctx.Err() != nil {
				status = record.StatusCancelled
			}
			rec.Finish(status, "", err.Error(), -1)
			writeRecord(sink, rec)
			return Outcome{Result: err.Error()}
		}

		body := resp.BodyString()
		if !resp.Success() {
			rec.Finish(record.StatusFailed, body, fmt.Sprintf("HTTP %d", resp.StatusCode), resp.StatusCode)
			writeRecord(sink, rec)
			return Outcome{Result: body, Response: resp}
		}
		rec.Finish(record.StatusSuccess, body, "", resp.StatusCode)
		writeRecord(sink, rec)
		return Outcome{Success: true, Result: body, Response: resp}
	}
}

func writeRecord(sink record.Sink, rec *record.Record) {
	if err := sink.Write(rec); err != nil {
		logging.Logf(logging.Warning, "Failed to write execution record for '%s': %v", rec.ActionID, err)
	}
}
