// Package app is the command-line driver: it loads a configuration, picks a
// mode from the flags and runs the matching engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http/cookiejar"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"cmdflow/internal/batch"
	"cmdflow/internal/chain"
	"cmdflow/internal/config"
	"cmdflow/internal/logging"
	"cmdflow/internal/pipeline"
	"cmdflow/internal/process"
	"cmdflow/internal/record"
	"cmdflow/internal/request"
	"cmdflow/internal/util"
)

// Define common errors for the application layer.
var (
	ErrUsage          = errors.New("usage error")
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrMissingArgs    = errors.New("missing required arguments")
	// ErrRunFailed means the run completed but a step or item did not succeed.
	ErrRunFailed = errors.New("run failed")
)

// --- Interfaces for Testability ---

// configLoader defines the interface for loading configuration.
type configLoader interface {
	Load(filename string) (*config.Config, error)
}

// pipelineRunner runs one command pipeline. pipeline.Engine satisfies it.
type pipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// chainRunner runs one API pipeline. chain.Runner satisfies it.
type chainRunner interface {
	Run(ctx context.Context, p config.APIPipeline, endpoints map[uuid.UUID]config.APIEndpoint, initial map[string]string) (*chain.Result, error)
}

// endpointRunner performs one endpoint call. request.Executor satisfies it.
type endpointRunner interface {
	Run(ctx context.Context, ep config.APIEndpoint, vars map[string]string) (*request.Response, error)
}

// runnerFactory builds the engines for one invocation.
type runnerFactory interface {
	Pipeline(cfg *config.Config, stdout, stderr io.Writer) pipelineRunner
	Chain(cfg *config.Config, mergeEnv bool) chainRunner
	Requests(cfg *config.Config) (endpointRunner, error)
}

// --- Default Implementations ---

type defaultConfigLoader struct{}

func (l *defaultConfigLoader) Load(filename string) (*config.Config, error) {
	return config.LoadConfig(filename)
}

type defaultRunnerFactory struct{}

func (f *defaultRunnerFactory) Pipeline(cfg *config.Config, stdout, stderr io.Writer) pipelineRunner {
	return pipeline.NewEngine(pipeline.EngineOpts{
		Process: processOpts(cfg),
		OnOutput: func(step int, stream process.Stream, chunk []byte) {
			if stream == process.Stderr {
				_, _ = stderr.Write(chunk)
				return
			}
			_, _ = stdout.Write(chunk)
		},
	})
}

func (f *defaultRunnerFactory) Chain(cfg *config.Config, mergeEnv bool) chainRunner {
	return chain.NewRunnerWithOpts(chain.RunnerOpts{Retry: cfg.Retry, MergeEnv: mergeEnv})
}

func (f *defaultRunnerFactory) Requests(cfg *config.Config) (endpointRunner, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return request.NewExecutorWithOpts(request.ExecutorOpts{Retry: cfg.Retry, Jar: jar}), nil
}

func processOpts(cfg *config.Config) process.Opts {
	return process.Opts{Shell: cfg.Shell.Path, NoLogin: !cfg.Shell.LoginShell()}
}

// --- AppRunner ---

// AppRunner encapsulates the application's execution logic and dependencies.
type AppRunner struct {
	configLoader configLoader
	runners      runnerFactory
	stdout       io.Writer
	stderr       io.Writer
}

// AppRunnerOpts allows configuring the AppRunner's dependencies.
type AppRunnerOpts struct {
	ConfigLoader configLoader
	Runners      runnerFactory
	// Stdout receives command output and response bodies; Stderr receives
	// status lines and help. Both default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// NewAppRunner creates a new instance of the application runner with default dependencies.
func NewAppRunner() *AppRunner {
	return NewAppRunnerWithOpts(AppRunnerOpts{})
}

// NewAppRunnerWithOpts creates a new AppRunner allowing dependency injection.
func NewAppRunnerWithOpts(opts AppRunnerOpts) *AppRunner {
	a := &AppRunner{
		configLoader: opts.ConfigLoader,
		runners:      opts.Runners,
		stdout:       opts.Stdout,
		stderr:       opts.Stderr,
	}
	if a.configLoader == nil {
		a.configLoader = &defaultConfigLoader{}
	}
	if a.runners == nil {
		a.runners = &defaultRunnerFactory{}
	}
	if a.stdout == nil {
		a.stdout = os.Stdout
	}
	if a.stderr == nil {
		a.stderr = os.Stderr
	}
	return a
}

// options holds the parsed command line.
type options struct {
	configFile  string
	pipeline    string
	command     string
	apiPipeline string
	endpoint    string
	input       string
	inputsFile  string
	concurrency int
	output      string
	format      string
	vars        []string
	mergeEnv    bool
	exportDir   string
	records     string
	logLevel    string
	help        bool
}

// usageText defines the command-line help information.
const usageText = `Usage:
  cmdflow [options]

Modes (exactly one):
  --pipeline string       Run a command pipeline on --input
  --command string        Run a single command on --input, or on every line of --inputs-file
  --api-pipeline string   Run an API pipeline
  --endpoint string       Call one endpoint, or call it once per line of --inputs-file

Options:
  --config string         Configuration file, YAML or JSON (default "cmdflow.yaml")
  --input string          Input path, URL or value (bound to {{input}} for API modes)
  --inputs-file string    File with one input per line; runs a batch
  --concurrency int       Batch worker limit (default from config, else 3)
  --output string         Final output file or directory
  --format string         Output format of the last command
  --var key=value         Initial variable for API modes (repeatable)
  --merge-env             Seed the API variable pool with the environment
  --export-dir string     Write each successful batch response to <dir>/<input>.json
  --records string        Append an execution record per run or item to this JSON-lines file
  --loglevel string       Logging level (none, error, warn, info, debug) (default "info")
  --help                  Show help

Examples:
  cmdflow --config cmdflow.yaml --pipeline fetch-and-convert --input https://example.com/img.png --output /tmp/out/ --format jpg
  cmdflow --command convert --inputs-file images.txt --output out/ --concurrency 4
  cmdflow --api-pipeline login-and-fetch --var user=alice --loglevel debug
  cmdflow --endpoint get-user --inputs-file ids.txt --export-dir responses/
`

// Usage prints the command-line help information to the specified writer.
func (a *AppRunner) Usage(writer io.Writer) {
	fmt.Fprint(writer, usageText)
}

// Run parses command-line arguments and executes the selected mode.
func (a *AppRunner) Run(ctx context.Context, args []string) error {
	var opts options
	fs := pflag.NewFlagSet("cmdflow", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configFile, "config", "cmdflow.yaml", "configuration file")
	fs.StringVar(&opts.pipeline, "pipeline", "", "command pipeline name")
	fs.StringVar(&opts.command, "command", "", "command name")
	fs.StringVar(&opts.apiPipeline, "api-pipeline", "", "API pipeline name")
	fs.StringVar(&opts.endpoint, "endpoint", "", "endpoint name")
	fs.StringVar(&opts.input, "input", "", "input")
	fs.StringVar(&opts.inputsFile, "inputs-file", "", "file with one input per line")
	fs.IntVar(&opts.concurrency, "concurrency", 0, "batch worker limit")
	fs.StringVar(&opts.output, "output", "", "final output file or directory")
	fs.StringVar(&opts.format, "format", "", "output format")
	fs.StringArrayVar(&opts.vars, "var", nil, "initial variable key=value")
	fs.BoolVar(&opts.mergeEnv, "merge-env", false, "seed variables from the environment")
	fs.StringVar(&opts.exportDir, "export-dir", "", "export directory")
	fs.StringVar(&opts.records, "records", "", "execution record file")
	fs.StringVar(&opts.logLevel, "loglevel", "info", "logging level")
	fs.BoolVarP(&opts.help, "help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			a.Usage(a.stderr)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if opts.help || len(args) == 0 {
		a.Usage(a.stderr)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", ErrUsage, fs.Args())
	}

	logLevel := logging.SetupLogging(opts.logLevel)

	if _, err := os.Stat(opts.configFile); err != nil {
		if os.IsNotExist(err) {
			log.Printf("[ERROR] Configuration file '%s' not found.", opts.configFile)
			return ErrConfigNotFound
		}
		return fmt.Errorf("failed to stat config file '%s': %w", opts.configFile, err)
	}
	cfg, err := a.configLoader.Load(opts.configFile)
	if err != nil {
		log.Printf("[ERROR] Error loading configuration '%s': %v", opts.configFile, err)
		return err
	}
	if !fs.Changed("loglevel") && cfg.Logging.Level != "" {
		logLevel = logging.SetupLogging(cfg.Logging.Level)
	}
	logging.SetLevel(logLevel)

	modes := 0
	for _, m := range []string{opts.pipeline, opts.command, opts.apiPipeline, opts.endpoint} {
		if m != "" {
			modes++
		}
	}
	switch {
	case modes == 0:
		logging.Logf(logging.Error, "One of --pipeline, --command, --api-pipeline or --endpoint is required.")
		return ErrMissingArgs
	case modes > 1:
		return fmt.Errorf("%w: --pipeline, --command, --api-pipeline and --endpoint are mutually exclusive", ErrUsage)
	}

	vars, err := parseVars(opts.vars)
	if err != nil {
		return err
	}
	inputs, err := readInputs(opts)
	if err != nil {
		return err
	}

	var sink record.Sink = record.Discard{}
	if opts.records != "" {
		fileSink := record.NewFileSink(opts.records)
		logging.Logf(logging.Info, "Writing execution records to %s", fileSink.Path())
		sink = fileSink
	}

	switch {
	case opts.pipeline != "":
		return a.runPipelineMode(ctx, cfg, opts, inputs, sink)
	case opts.command != "":
		return a.runCommandMode(ctx, cfg, opts, inputs, sink)
	case opts.apiPipeline != "":
		return a.runAPIPipelineMode(ctx, cfg, opts, vars, sink)
	default:
		return a.runEndpointMode(ctx, cfg, opts, inputs, vars, sink)
	}
}

// parseVars turns repeated key=value flags into a map.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: invalid --var '%s', expected key=value", ErrUsage, pair)
		}
		vars[key] = util.ExpandEnvUniversal(value)
	}
	return vars, nil
}

// readInputs returns --input, or the non-blank, non-comment lines of --inputs-file.
func readInputs(opts options) ([]string, error) {
	if opts.inputsFile == "" {
		if opts.input == "" {
			return nil, nil
		}
		return []string{opts.input}, nil
	}
	if opts.input != "" {
		return nil, fmt.Errorf("%w: --input and --inputs-file are mutually exclusive", ErrUsage)
	}
	path := util.ExpandEnvUniversal(opts.inputsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inputs file '%s': %w", path, err)
	}
	var inputs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		inputs = append(inputs, line)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: inputs file '%s' has no inputs", ErrMissingArgs, path)
	}
	return inputs, nil
}

func (a *AppRunner) runPipelineMode(ctx context.Context, cfg *config.Config, opts options, inputs []string, sink record.Sink) error {
	p, ok := cfg.Pipelines[opts.pipeline]
	if !ok {
		return fmt.Errorf("pipeline '%s' not found in configuration", opts.pipeline)
	}
	if opts.inputsFile != "" {
		return fmt.Errorf("%w: batches run a single --command or --endpoint, not a pipeline", ErrUsage)
	}
	if len(inputs) == 0 {
		logging.Logf(logging.Error, "--input is required with --pipeline.")
		return ErrMissingArgs
	}
	commands := cfg.CommandIndex()
	for _, warning := range config.CompatibilityWarnings(p, commands) {
		logging.Logf(logging.Warning, "%s", warning)
	}
	return a.runCommandPipeline(ctx, cfg, pipeline.Request{
		Pipeline:          p,
		Commands:          commands,
		Input:             inputs[0],
		FinalOutputPath:   opts.output,
		FinalOutputFormat: opts.format,
	}, sink)
}

func (a *AppRunner) runCommandMode(ctx context.Context, cfg *config.Config, opts options, inputs []string, sink record.Sink) error {
	commands := cfg.CommandIndex()
	def, ok := commands[opts.command]
	if !ok {
		return fmt.Errorf("%w: command '%s'", pipeline.ErrActionNotFound, opts.command)
	}
	if len(inputs) == 0 {
		logging.Logf(logging.Error, "--input or --inputs-file is required with --command.")
		return ErrMissingArgs
	}

	if opts.inputsFile == "" {
		return a.runCommandPipeline(ctx, cfg, pipeline.Request{
			Pipeline: config.Pipeline{
				Name:  def.Name,
				Steps: []config.PipelineStep{{Command: def.Name, OutputFormat: opts.format}},
			},
			Commands:        commands,
			Input:           inputs[0],
			FinalOutputPath: opts.output,
		}, sink)
	}

	var outputs []string
	if def.Output != nil {
		outputs = batch.OutputPaths(inputs, util.ExpandEnvUniversal(opts.output), pipeline.OutputExtension(def, opts.format))
	}
	fn := batch.CommandItems(batch.CommandItemOpts{
		Definition:   def,
		OutputFormat: opts.format,
		Outputs:      outputs,
		Process:      processOpts(cfg),
		Sink:         sink,
	})
	_, err := a.runBatch(ctx, cfg, opts, inputs, fn)
	return err
}

func (a *AppRunner) runCommandPipeline(ctx context.Context, cfg *config.Config, req pipeline.Request, sink record.Sink) error {
	name := req.Pipeline.Name
	rec := record.New(name, "")
	res, err := a.runners.Pipeline(cfg, a.stdout, a.stderr).Run(ctx, req)
	if res != nil {
		rec.Command = strings.Join(res.CommandLines, " && ")
	}
	if err != nil {
		rec.Finish(record.StatusFailed, "", err.Error(), -1)
		writeRecord(sink, rec)
		logging.Logf(logging.Error, "Pipeline '%s' failed: %v", name, err)
		return err
	}

	switch res.State {
	case pipeline.StateSucceeded:
		rec.Finish(record.StatusSuccess, res.Stdout, res.Stderr, res.ExitCode)
		writeRecord(sink, rec)
		out := ""
		if res.OutputPath != "" {
			out = " -> " + res.OutputPath
		}
		color.New(color.FgGreen).Fprintf(a.stderr, "✔ %s succeeded in %v%s\n", name, res.Duration.Round(time.Millisecond), out)
		if res.ScratchDir != "" {
			fmt.Fprintf(a.stderr, "  intermediates kept in %s\n", res.ScratchDir)
		}
		return nil
	case pipeline.StateCancelled:
		rec.Finish(record.StatusCancelled, res.Stdout, res.Stderr, res.ExitCode)
		writeRecord(sink, rec)
		color.New(color.FgYellow).Fprintf(a.stderr, "■ %s cancelled at step %d\n", name, res.FailedStep+1)
		return fmt.Errorf("%w: pipeline '%s' cancelled at step %d", ErrRunFailed, name, res.FailedStep+1)
	default:
		rec.Finish(record.StatusFailed, res.Stdout, res.Stderr, res.ExitCode)
		writeRecord(sink, rec)
		color.New(color.FgRed).Fprintf(a.stderr, "✘ %s failed at step %d (exit code %d)\n", name, res.FailedStep+1, res.ExitCode)
		return fmt.Errorf("%w: pipeline '%s' failed at step %d with exit code %d", ErrRunFailed, name, res.FailedStep+1, res.ExitCode)
	}
}

func (a *AppRunner) runAPIPipelineMode(ctx context.Context, cfg *config.Config, opts options, vars map[string]string, sink record.Sink) error {
	p, ok := cfg.APIPipelines[opts.apiPipeline]
	if !ok {
		return fmt.Errorf("api pipeline '%s' not found in configuration", opts.apiPipeline)
	}
	if opts.input != "" {
		vars[batch.DefaultInputVariable] = opts.input
	}

	rec := record.New(opts.apiPipeline, fmt.Sprintf("api pipeline %s (%d steps)", opts.apiPipeline, len(p.Steps)))
	res, err := a.runners.Chain(cfg, opts.mergeEnv).Run(ctx, p, cfg.EndpointIndex(), vars)
	if res != nil {
		logVariables(res.Variables)
	}
	if err != nil {
		status := record.StatusFailed
		if res != nil && res.State == chain.StateCancelled {
			status = record.StatusCancelled
		}
		stdout := ""
		if res != nil && len(res.Responses) > 0 {
			last := res.Responses[len(res.Responses)-1]
			stdout = last.BodyString()
			fmt.Fprintln(a.stdout, stdout)
		}
		rec.Finish(status, stdout, err.Error(), -1)
		writeRecord(sink, rec)
		color.New(color.FgRed).Fprintf(a.stderr, "✘ %s: %v\n", opts.apiPipeline, err)
		return fmt.Errorf("%w: %w", ErrRunFailed, err)
	}

	body := res.Response.BodyString()
	fmt.Fprintln(a.stdout, body)
	rec.Finish(record.StatusSuccess, body, "", res.Response.StatusCode)
	writeRecord(sink, rec)
	color.New(color.FgGreen).Fprintf(a.stderr, "✔ %s succeeded in %v (HTTP %d)\n", opts.apiPipeline, res.Duration.Round(time.Millisecond), res.Response.StatusCode)
	return nil
}

func (a *AppRunner) runEndpointMode(ctx context.Context, cfg *config.Config, opts options, inputs []string, vars map[string]string, sink record.Sink) error {
	ep, ok := cfg.EndpointByName(opts.endpoint)
	if !ok {
		return fmt.Errorf("%w: '%s'", chain.ErrEndpointNotFound, opts.endpoint)
	}
	requests, err := a.runners.Requests(cfg)
	if err != nil {
		return err
	}

	if opts.inputsFile != "" {
		fn := batch.APIItems(batch.APIItemOpts{Endpoint: ep, Variables: vars, Requests: requests, Sink: sink})
		exec, runErr := a.runBatch(ctx, cfg, opts, inputs, fn)
		if opts.exportDir != "" {
			written, err := exec.Export(opts.exportDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "Exported %d responses to %s\n", len(written), opts.exportDir)
		}
		return runErr
	}

	if len(inputs) > 0 {
		vars[batch.DefaultInputVariable] = inputs[0]
	}
	rec := record.New(ep.Name, ep.Method+" "+ep.URL)
	resp, err := requests.Run(ctx, ep, vars)
	if err != nil {
		rec.Finish(record.StatusFailed, "", err.Error(), -1)
		writeRecord(sink, rec)
		logging.Logf(logging.Error, "Request execution failed: %v", err)
		return fmt.Errorf("request execution failed: %w", err)
	}
	body := resp.BodyString()
	fmt.Fprintln(a.stdout, body)
	logVariables(resp.ExtractedVariables)
	if !resp.Success() {
		rec.Finish(record.StatusFailed, body, fmt.Sprintf("HTTP %d", resp.StatusCode), resp.StatusCode)
		writeRecord(sink, rec)
		color.New(color.FgRed).Fprintf(a.stderr, "✘ %s returned HTTP %d\n", ep.Name, resp.StatusCode)
		return fmt.Errorf("%w: endpoint '%s' returned HTTP %d", ErrRunFailed, ep.Name, resp.StatusCode)
	}
	rec.Finish(record.StatusSuccess, body, "", resp.StatusCode)
	writeRecord(sink, rec)
	color.New(color.FgGreen).Fprintf(a.stderr, "✔ %s returned HTTP %d in %v\n", ep.Name, resp.StatusCode, resp.Duration.Round(time.Millisecond))
	return nil
}

func (a *AppRunner) runBatch(ctx context.Context, cfg *config.Config, opts options, inputs []string, fn batch.ItemFunc) (*batch.Execution, error) {
	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Batch.Concurrency
	}
	runner := batch.NewRunner(batch.Opts{Concurrency: concurrency, OnEvent: a.printItem})
	exec := runner.Run(ctx, inputs, fn)

	counts := exec.Counts()
	parts := []string{color.New(color.FgGreen).Sprintf("%d succeeded", counts.Succeeded)}
	if counts.Failed > 0 {
		parts = append(parts, color.New(color.FgRed).Sprintf("%d failed", counts.Failed))
	}
	if counts.Pending > 0 {
		parts = append(parts, color.New(color.FgYellow).Sprintf("%d not started", counts.Pending))
	}
	fmt.Fprintf(a.stderr, "Batch of %d: %s\n", counts.Total, strings.Join(parts, ", "))

	if counts.Failed > 0 || counts.Pending > 0 {
		return exec, fmt.Errorf("%w: %d of %d items did not succeed", ErrRunFailed, counts.Failed+counts.Pending, counts.Total)
	}
	return exec, nil
}

// printItem writes one line per finished item. It runs on the batch's
// coordinating goroutine, so writes never interleave.
func (a *AppRunner) printItem(ev batch.Event) {
	if ev.Type != batch.EventItemStatusChanged {
		return
	}
	item := ev.Item
	progress := fmt.Sprintf("[%d/%d]", ev.Counts.Succeeded+ev.Counts.Failed, ev.Counts.Total)
	switch item.Status {
	case batch.StatusSuccess:
		target := ""
		if item.Output != "" {
			target = " -> " + item.Output
		}
		fmt.Fprintf(a.stderr, "%s %s %s%s\n", progress, color.New(color.FgGreen).Sprint("✔"), item.Input, target)
	case batch.StatusFailed:
		reason, _, _ := strings.Cut(strings.TrimSpace(item.Result), "\n")
		fmt.Fprintf(a.stderr, "%s %s %s: %s\n", progress, color.New(color.FgRed).Sprint("✘"), item.Input, reason)
	}
}

func logVariables(vars map[string]string) {
	if !logging.Enabled(logging.Debug) || len(vars) == 0 {
		return
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		logging.Logf(logging.Debug, "Variable %s = %s", k, util.Snippet([]byte(vars[k])))
	}
}

func writeRecord(sink record.Sink, rec *record.Record) {
	if err := sink.Write(rec); err != nil {
		logging.Logf(logging.Warning, "Failed to write execution record: %v", err)
	}
}
