package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cmdflow/internal/chain"
	"cmdflow/internal/config"
	"cmdflow/internal/pipeline"
	"cmdflow/internal/record"
	"cmdflow/internal/request"
)

// --- Mocks ---

type mockConfigLoader struct {
	mock.Mock
}

func (m *mockConfigLoader) Load(filename string) (*config.Config, error) {
	args := m.Called(filename)
	cfg, _ := args.Get(0).(*config.Config)
	return cfg, args.Error(1)
}

type mockPipelineRunner struct {
	mock.Mock
}

func (m *mockPipelineRunner) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*pipeline.Result)
	return res, args.Error(1)
}

type mockChainRunner struct {
	mock.Mock
}

func (m *mockChainRunner) Run(ctx context.Context, p config.APIPipeline, endpoints map[uuid.UUID]config.APIEndpoint, initial map[string]string) (*chain.Result, error) {
	args := m.Called(ctx, p, endpoints, initial)
	res, _ := args.Get(0).(*chain.Result)
	return res, args.Error(1)
}

type mockEndpointRunner struct {
	mock.Mock
}

func (m *mockEndpointRunner) Run(ctx context.Context, ep config.APIEndpoint, vars map[string]string) (*request.Response, error) {
	args := m.Called(ctx, ep, vars)
	resp, _ := args.Get(0).(*request.Response)
	return resp, args.Error(1)
}

type mockRunnerFactory struct {
	mock.Mock
}

func (m *mockRunnerFactory) Pipeline(cfg *config.Config, stdout, stderr io.Writer) pipelineRunner {
	args := m.Called(cfg, stdout, stderr)
	runner, _ := args.Get(0).(pipelineRunner)
	return runner
}

func (m *mockRunnerFactory) Chain(cfg *config.Config, mergeEnv bool) chainRunner {
	args := m.Called(cfg, mergeEnv)
	runner, _ := args.Get(0).(chainRunner)
	return runner
}

func (m *mockRunnerFactory) Requests(cfg *config.Config) (endpointRunner, error) {
	args := m.Called(cfg)
	runner, _ := args.Get(0).(endpointRunner)
	return runner, args.Error(1)
}

// Helper to create a temporary config file
func createTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestRunner(loader configLoader, runners runnerFactory) (*AppRunner, *bytes.Buffer, *bytes.Buffer) {
	color.NoColor = true
	var stdout, stderr bytes.Buffer
	return NewAppRunnerWithOpts(AppRunnerOpts{
		ConfigLoader: loader,
		Runners:      runners,
		Stdout:       &stdout,
		Stderr:       &stderr,
	}), &stdout, &stderr
}

// --- Tests ---

func TestAppRunner_Run_Help(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"Help Flag Long", []string{"--help"}},
		{"Help Flag Short", []string{"-h"}},
		{"No Args", []string{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			runner, _, stderr := newTestRunner(nil, nil)
			err := runner.Run(context.Background(), tc.args)
			assert.NoError(t, err)
			assert.Contains(t, stderr.String(), "Usage:")
			assert.Contains(t, stderr.String(), "--config string")
		})
	}
}

func TestAppRunner_Run_FlagErrors(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"Invalid Flag", []string{"--invalid-flag"}},
		{"Flag Needs Argument", []string{"--config"}},
		{"Positional Argument", []string{"--command", "copy", "stray"}},
		{"Bad Concurrency", []string{"--concurrency", "many"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			runner, _, _ := newTestRunner(nil, nil)
			err := runner.Run(context.Background(), tc.args)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUsage)
		})
	}
}

func TestAppRunner_Run_ConfigErrors(t *testing.T) {
	mockLoader := new(mockConfigLoader)
	runner, _, _ := newTestRunner(mockLoader, nil)

	t.Run("Config Not Found", func(t *testing.T) {
		err := runner.Run(context.Background(), []string{"--config", "nonexistent.yaml", "--command", "c"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfigNotFound)
		mockLoader.AssertNotCalled(t, "Load", mock.Anything)
	})

	t.Run("Config Load Error", func(t *testing.T) {
		file := createTempConfig(t, "cmdflow.yaml", "invalid yaml:")
		loadErr := errors.New("mock yaml parse error")
		mockLoader.On("Load", file).Return(nil, loadErr).Once()

		err := runner.Run(context.Background(), []string{"--config", file, "--command", "c"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), loadErr.Error())
		mockLoader.AssertExpectations(t)
	})
}

func TestAppRunner_Run_ModeDispatch(t *testing.T) {
	epID := config.EndpointIDFor("get-user")
	cfg := &config.Config{
		Logging: config.LoggingConfig{Level: "info"},
		Retry:   config.RetryConfig{MaxAttempts: 1, Backoff: 1},
		Batch:   config.BatchConfig{Concurrency: 3},
		Commands: []config.CommandDefinition{{
			Name:                   "convert",
			BaseCommand:            "convert",
			Output:                 &config.OutputSpec{Target: config.OutputFile},
			SupportedOutputFormats: []config.FormatOption{{Format: "jpg"}},
			ExecutionMode:          config.ModeStandard,
		}},
		Pipelines: map[string]config.Pipeline{
			"thumbs": {Name: "thumbs", Steps: []config.PipelineStep{{Command: "convert"}}},
		},
		Endpoints: []config.APIEndpoint{{ID: epID, Name: "get-user", URL: "http://example.invalid/users/{{input}}", Method: "GET"}},
		APIPipelines: map[string]config.APIPipeline{
			"lookup": {Name: "lookup", Steps: []config.APIPipelineStep{{Endpoint: "get-user", EndpointID: epID}}},
		},
	}
	configFile := createTempConfig(t, "cmdflow.yaml", "commands: []\n")

	isPipelineRequest := func(input, output, format string) interface{} {
		return mock.MatchedBy(func(req pipeline.Request) bool {
			return req.Input == input && req.FinalOutputPath == output && req.FinalOutputFormat == format
		})
	}

	testCases := []struct {
		name              string
		args              []string
		setupMocks        func(f *mockRunnerFactory, p *mockPipelineRunner, c *mockChainRunner, e *mockEndpointRunner)
		expectErrorIs     []error
		expectErrContains string
		expectStdout      string
		expectStderr      string
	}{
		{
			name:          "No Mode",
			args:          []string{"--config", configFile, "--input", "x"},
			expectErrorIs: []error{ErrMissingArgs},
		},
		{
			name:          "Two Modes",
			args:          []string{"--config", configFile, "--pipeline", "thumbs", "--endpoint", "get-user"},
			expectErrorIs: []error{ErrUsage},
		},
		{
			name:          "Invalid Var",
			args:          []string{"--config", configFile, "--api-pipeline", "lookup", "--var", "novalue"},
			expectErrorIs: []error{ErrUsage},
		},
		{
			name:              "Pipeline Not Found",
			args:              []string{"--config", configFile, "--pipeline", "nope", "--input", "a.png"},
			expectErrContains: "pipeline 'nope' not found",
		},
		{
			name:          "Pipeline Missing Input",
			args:          []string{"--config", configFile, "--pipeline", "thumbs"},
			expectErrorIs: []error{ErrMissingArgs},
		},
		{
			name: "Pipeline Succeeds",
			args: []string{"--config", configFile, "--pipeline", "thumbs", "--input", "a.png", "--output", "/tmp/out/", "--format", "jpg"},
			setupMocks: func(f *mockRunnerFactory, p *mockPipelineRunner, c *mockChainRunner, e *mockEndpointRunner) {
				f.On("Pipeline", cfg, mock.Anything, mock.Anything).Return(p).Once()
				p.On("Run", mock.Anything, isPipelineRequest("a.png", "/tmp/out/", "jpg")).
					Return(&pipeline.Result{State: pipeline.StateSucceeded, FailedStep: -1, OutputPath: "/tmp/out/a.jpg"}, nil).Once()
			},
			expectStderr: "thumbs succeeded",
		},
		{
			name: "Pipeline Step Fails",
			args: []string{"--config", configFile, "--pipeline", "thumbs", "--input", "a.png"},
			setupMocks: func(f *mockRunnerFactory, p *mockPipelineRunner, c *mockChainRunner, e *mockEndpointRunner) {
				f.On("Pipeline", cfg, mock.Anything, mock.Anything).Return(p).Once()
				p.On("Run", mock.Anything, isPipelineRequest("a.png", "", "")).
					Return(&pipeline.Result{State: pipeline.StateFailed, FailedStep: 0, ExitCode: 2}, nil).Once()
			},
			expectErrorIs:     []error{ErrRunFailed},
			expectErrContains: "failed at step 1 with exit code 2",
		},
		{
			name: "Pipeline Definition Error",
			args: []string{"--config", configFile, "--pipeline", "thumbs", "--input", "a.png"},
			setupMocks: func(f *mockRunnerFactory, p *mockPipelineRunner, c *mockChainRunner, e *mockEndpointRunner) {
				f.On("Pipeline", cfg, mock.Anything, mock.Anything).Return(p).Once()
				p.On("Run", mock.Anything, mock.Anything).Return(nil, pipeline.ErrActionNotFound).Once()
			},
			expectErrorIs: []error{pipeline.ErrActionNotFound},
		},
		{
			name: "Single Command Runs As One Step",
			args: []string{"--config", configFile, "--command", "convert", "--input", "a.png", "--format", "jpg"},
			setupMocks: func(f *mockRunnerFactory, p *mockPipelineRunner, c *mockChainRunner, e *mockEndpointRunner) {
				f.On("Pipeline", cfg, mock.Anything, mock.Anything).Return(p).Once()
				p.On("Run", mock.Anything, mock.MatchedBy(func(req pipeline.Request) bool {
					return len(req.Pipeline.Steps) == 1 && req.Pipeline.Steps[0].Command == "convert" && req.Pipeline.Steps[0].OutputFormat == "jpg"
				})).Return(&pipeline.Result{State: pipeline.StateSucceeded, FailedStep: -1}, nil).Once()
			},
		},
		{
			name:          "Command Not Found",
			args:          []string{"--config", configFile, "--command", "resize", "--input", "a.png"},
			expectErrorIs: []error{pipeline.ErrActionNotFound},
		},
		{
			name: "API Pipeline Succeeds",
			args: []string{"--config", configFile, "--api-pipeline", "lookup", "--var", "user=alice", "--input", "42", "--merge-env"},
			setupMocks: func(f *mockRunnerFactory, p *mockPipelineRunner, c *mockChainRunner, e *mockEndpointRunner) {
				f.On("Chain", cfg, true).Return(c).Once()
				c.On("Run", mock.Anything, cfg.APIPipelines["lookup"], mock.Anything, map[string]string{"user": "alice", "input": "42"}).
					Return(&chain.Result{
						State:    chain.StateSucceeded,
						Response: &request.Response{StatusCode: 200, Body: []byte(`{"name":"alice"}`)},
					}, nil).Once()
			},
			expectStdout: `{"name":"alice"}`,
			expectStderr: "lookup succeeded",
		},
		{
			name: "API Pipeline Step Fails",
			args: []string{"--config", configFile, "--api-pipeline", "lookup"},
			setupMocks: func(f *mockRunnerFactory, p *mockPipelineRunner, c *mockChainRunner, e *mockEndpointRunner) {
				f.On("Chain", cfg, false).Return(c).Once()
				c.On("Run", mock.Anything, mock.Anything, mock.Anything, map[string]string{}).
					Return(&chain.Result{
						State:      chain.StateFailed,
						FailedStep: 0,
						Responses:  []*request.Response{{StatusCode: 404, Body: []byte("missing")}},
					}, chain.ErrStepFailed).Once()
			},
			expectErrorIs: []error{ErrRunFailed, chain.ErrStepFailed},
			expectStdout:  "missing",
		},
		{
			name:              "API Pipeline Not Found",
			args:              []string{"--config", configFile, "--api-pipeline", "nope"},
			expectErrContains: "api pipeline 'nope' not found",
		},
		{
			name: "Endpoint Non-2xx",
			args: []string{"--config", configFile, "--endpoint", "get-user", "--input", "7"},
			setupMocks: func(f *mockRunnerFactory, p *mockPipelineRunner, c *mockChainRunner, e *mockEndpointRunner) {
				f.On("Requests", cfg).Return(e, nil).Once()
				e.On("Run", mock.Anything, cfg.Endpoints[0], map[string]string{"input": "7"}).
					Return(&request.Response{StatusCode: 500, Body: []byte("boom")}, nil).Once()
			},
			expectErrorIs: []error{ErrRunFailed},
			expectStdout:  "boom",
		},
		{
			name: "Endpoint Transport Error",
			args: []string{"--config", configFile, "--endpoint", "get-user"},
			setupMocks: func(f *mockRunnerFactory, p *mockPipelineRunner, c *mockChainRunner, e *mockEndpointRunner) {
				f.On("Requests", cfg).Return(e, nil).Once()
				e.On("Run", mock.Anything, cfg.Endpoints[0], map[string]string{}).Return(nil, errors.New("dial tcp: refused")).Once()
			},
			expectErrContains: "dial tcp: refused",
		},
		{
			name:          "Endpoint Not Found",
			args:          []string{"--config", configFile, "--endpoint", "nope"},
			expectErrorIs: []error{chain.ErrEndpointNotFound},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mockLoader := new(mockConfigLoader)
			factory := new(mockRunnerFactory)
			pRunner := new(mockPipelineRunner)
			cRunner := new(mockChainRunner)
			eRunner := new(mockEndpointRunner)
			mockLoader.On("Load", configFile).Return(cfg, nil).Once()
			if tc.setupMocks != nil {
				tc.setupMocks(factory, pRunner, cRunner, eRunner)
			}
			runner, stdout, stderr := newTestRunner(mockLoader, factory)

			err := runner.Run(context.Background(), tc.args)

			if len(tc.expectErrorIs) == 0 && tc.expectErrContains == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				for _, target := range tc.expectErrorIs {
					assert.ErrorIs(t, err, target)
				}
				if tc.expectErrContains != "" {
					assert.Contains(t, err.Error(), tc.expectErrContains)
				}
			}
			if tc.expectStdout != "" {
				assert.Contains(t, stdout.String(), tc.expectStdout)
			}
			if tc.expectStderr != "" {
				assert.Contains(t, stderr.String(), tc.expectStderr)
			}

			mockLoader.AssertExpectations(t)
			factory.AssertExpectations(t)
			pRunner.AssertExpectations(t)
			cRunner.AssertExpectations(t)
			eRunner.AssertExpectations(t)
		})
	}
}

func TestParseVars(t *testing.T) {
	t.Setenv("CMDFLOW_TEST_TOKEN", "s3cret")

	vars, err := parseVars([]string{"user=alice", "token=${CMDFLOW_TEST_TOKEN}", "expr=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user": "alice", "token": "s3cret", "expr": "a=b", "empty": ""}, vars)

	_, err = parseVars([]string{"=value"})
	assert.ErrorIs(t, err, ErrUsage)
}

func TestReadInputs(t *testing.T) {
	file := createTempConfig(t, "inputs.txt", "a.png\n\n# skipped\n  b.png  \n")

	inputs, err := readInputs(options{inputsFile: file})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, inputs)

	_, err = readInputs(options{inputsFile: file, input: "c.png"})
	assert.ErrorIs(t, err, ErrUsage)

	empty := createTempConfig(t, "empty.txt", "# nothing\n")
	_, err = readInputs(options{inputsFile: empty})
	assert.ErrorIs(t, err, ErrMissingArgs)

	inputs, err = readInputs(options{})
	require.NoError(t, err)
	assert.Empty(t, inputs)
}

func TestAppRunner_Run_CommandBatch(t *testing.T) {
	src := t.TempDir()
	var lines []string
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		path := filepath.Join(src, name)
		require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0o644))
		lines = append(lines, path)
	}
	lines = append(lines, filepath.Join(src, "missing.txt"))
	inputsFile := createTempConfig(t, "inputs.txt", strings.Join(lines, "\n"))
	configFile := createTempConfig(t, "cmdflow.yaml", `
shell:
  path: /bin/sh
  login: false
commands:
  - name: copy
    base_command: cp
    output:
      target: file
    supported_output_formats:
      - format: bak
`)
	outDir := filepath.Join(t.TempDir(), "out")
	records := filepath.Join(t.TempDir(), "records.jsonl")

	runner, _, stderr := newTestRunner(nil, nil)
	err := runner.Run(context.Background(), []string{
		"--config", configFile, "--command", "copy", "--inputs-file", inputsFile,
		"--output", outDir, "--format", "bak", "--concurrency", "2", "--records", records, "--loglevel", "error",
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, stderr.String(), "Batch of 4: 3 succeeded, 1 failed")

	data, err := os.ReadFile(filepath.Join(outDir, "b.bak"))
	require.NoError(t, err)
	assert.Equal(t, "content of b.txt", string(data))
	assert.NoFileExists(t, filepath.Join(outDir, "missing.bak"))

	recs, err := record.ReadFile(records)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestAppRunner_Run_EndpointBatchExport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer server.Close()

	configFile := createTempConfig(t, "cmdflow.json", `{
  // comments are allowed in JSON configs
  "endpoints": [
    {"name": "item", "url": "`+server.URL+`/items/{{input}}?v={{version}}"}
  ]
}`)
	inputsFile := createTempConfig(t, "ids.txt", "one\ntwo\n")
	exportDir := filepath.Join(t.TempDir(), "export")

	runner, _, stderr := newTestRunner(nil, nil)
	err := runner.Run(context.Background(), []string{
		"--config", configFile, "--endpoint", "item", "--inputs-file", inputsFile,
		"--var", "version=2", "--export-dir", exportDir, "--loglevel", "error",
	})

	require.NoError(t, err)
	assert.Contains(t, stderr.String(), "Batch of 2: 2 succeeded")
	assert.Contains(t, stderr.String(), "Exported 2 responses")
	data, err := os.ReadFile(filepath.Join(exportDir, "two.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/items/two"}`, string(data))
}
