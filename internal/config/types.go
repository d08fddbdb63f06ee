package config

import (
	"github.com/google/uuid"
)

// Config is the whole configuration file: the command and endpoint catalogues plus
// the pipelines built from them, and the settings for the engines that run them.
type Config struct {
	Logging      LoggingConfig          `yaml:"logging" json:"logging"`
	Retry        RetryConfig            `yaml:"retry" json:"retry"`
	Shell        ShellConfig            `yaml:"shell" json:"shell"`
	Batch        BatchConfig            `yaml:"batch" json:"batch"`
	Commands     []CommandDefinition    `yaml:"commands" json:"commands"`
	Pipelines    map[string]Pipeline    `yaml:"pipelines" json:"pipelines"`
	Endpoints    []APIEndpoint          `yaml:"endpoints" json:"endpoints"`
	APIPipelines map[string]APIPipeline `yaml:"api_pipelines" json:"api_pipelines"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// RetryConfig is the caller-side retry policy for HTTP steps.
// The default of one attempt means no retry.
type RetryConfig struct {
	MaxAttempts   int   `yaml:"max_attempts" json:"max_attempts"`
	Backoff       int   `yaml:"backoff_seconds" json:"backoff_seconds"`
	ExcludeErrors []int `yaml:"exclude_errors" json:"exclude_errors"`
}

// ShellConfig selects the shell command lines are run through.
type ShellConfig struct {
	Path  string `yaml:"path" json:"path"`
	Login *bool  `yaml:"login,omitempty" json:"login,omitempty"`
}

// LoginShell reports whether the shell should be started as a login shell (default true).
func (s ShellConfig) LoginShell() bool {
	return s.Login == nil || *s.Login
}

// BatchConfig holds batch runner settings.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// ExecutionMode controls how a command line is assembled.
type ExecutionMode string

const (
	// ModeStandard: <base> <options...> <input> [<outputFlag> <output>]
	ModeStandard ExecutionMode = "standard"
	// ModePipe: cat <input> | <base> <options...> > <output>
	ModePipe ExecutionMode = "pipe"
)

// FormatOption is a supported format tag together with the flags the tool needs
// to read or produce it.
type FormatOption struct {
	Format string   `yaml:"format" json:"format"`
	Flags  []string `yaml:"flags,omitempty" json:"flags,omitempty"`
}

// InputSpec describes how the input path is passed. An empty Flag means positional.
type InputSpec struct {
	Flag string `yaml:"flag,omitempty" json:"flag,omitempty"`
}

// Output targets.
const (
	OutputDirectory = "directory"
	OutputFile      = "file"
)

// OutputSpec describes how the output location is passed to the tool.
type OutputSpec struct {
	Flag string `yaml:"flag,omitempty" json:"flag,omitempty"`
	// Target is "directory" (the tool writes into a folder) or "file".
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
}

// CommandOption documents one option a tool accepts.
type CommandOption struct {
	Flag        string `yaml:"flag" json:"flag"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	TakesValue  bool   `yaml:"takes_value,omitempty" json:"takes_value,omitempty"`
}

// CommandDefinition is the reusable shape of one CLI tool invocation.
// Definitions are never mutated while a run is in progress.
type CommandDefinition struct {
	Name                   string          `yaml:"name" json:"name"`
	BaseCommand            string          `yaml:"base_command" json:"base_command"`
	Input                  InputSpec       `yaml:"input,omitempty" json:"input,omitempty"`
	Output                 *OutputSpec     `yaml:"output,omitempty" json:"output,omitempty"`
	Options                []CommandOption `yaml:"options,omitempty" json:"options,omitempty"`
	SupportedInputFormats  []FormatOption  `yaml:"supported_input_formats,omitempty" json:"supported_input_formats,omitempty"`
	SupportedOutputFormats []FormatOption  `yaml:"supported_output_formats,omitempty" json:"supported_output_formats,omitempty"`
	ExecutionMode          ExecutionMode   `yaml:"execution_mode,omitempty" json:"execution_mode,omitempty"`
}

// OutputFormat returns the supported output format named tag (case-insensitive).
func (d CommandDefinition) OutputFormat(tag string) (FormatOption, bool) {
	for _, f := range d.SupportedOutputFormats {
		if equalFold(f.Format, tag) {
			return f, true
		}
	}
	return FormatOption{}, false
}

// PipelineStep references a command definition plus the format and flags chosen
// for this position in the pipeline.
type PipelineStep struct {
	Command      string   `yaml:"command" json:"command"`
	OutputFormat string   `yaml:"output_format,omitempty" json:"output_format,omitempty"`
	ExtraOptions []string `yaml:"extra_options,omitempty" json:"extra_options,omitempty"`
}

// Pipeline is a linear chain of command steps.
type Pipeline struct {
	Name                 string         `yaml:"name,omitempty" json:"name,omitempty"`
	Steps                []PipelineStep `yaml:"steps" json:"steps"`
	CleanupIntermediates bool           `yaml:"cleanup_intermediates" json:"cleanup_intermediates"`
}

// AuthType selects how an endpoint request is authenticated.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "apiKey"
	AuthToken  AuthType = "token"
	AuthBearer AuthType = "bearer"
	AuthCustom AuthType = "custom"
	AuthBasic  AuthType = "basic"
	AuthDigest AuthType = "digest"
	AuthNTLM   AuthType = "ntlm"
	AuthOAuth2 AuthType = "oauth2"
)

// Extraction pulls one value out of a response into the variable pool.
// Path is "$.a.b[0]", "header:<Name>:<regex>" or "jq:<filter>".
type Extraction struct {
	Path     string `yaml:"json_path" json:"json_path"`
	Variable string `yaml:"variable" json:"variable"`
}

// APIEndpoint is one templated HTTP request.
type APIEndpoint struct {
	ID            uuid.UUID         `yaml:"id,omitempty" json:"id,omitempty"`
	Name          string            `yaml:"name" json:"name"`
	URL           string            `yaml:"url" json:"url"`
	Method        string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	BodyTemplate  string            `yaml:"body,omitempty" json:"body,omitempty"`
	AuthType      AuthType          `yaml:"auth_type,omitempty" json:"auth_type,omitempty"`
	AuthConfig    map[string]string `yaml:"auth_config,omitempty" json:"auth_config,omitempty"`
	Extractions   []Extraction      `yaml:"output_extractions,omitempty" json:"output_extractions,omitempty"`
	TLSSkipVerify bool              `yaml:"tls_skip_verify,omitempty" json:"tls_skip_verify,omitempty"`
	CookieJar     bool              `yaml:"cookie_jar,omitempty" json:"cookie_jar,omitempty"`
}

// APIPipelineStep binds an endpoint to the variables merged into the pool
// before the request is made. Endpoint (a name) is resolved to EndpointID at load time.
type APIPipelineStep struct {
	Endpoint      string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	EndpointID    uuid.UUID         `yaml:"endpoint_id,omitempty" json:"endpoint_id,omitempty"`
	InputMappings map[string]string `yaml:"input_mappings,omitempty" json:"input_mappings,omitempty"`
}

// APIPipeline is a linear chain of endpoint calls.
type APIPipeline struct {
	Name  string            `yaml:"name,omitempty" json:"name,omitempty"`
	Steps []APIPipelineStep `yaml:"steps" json:"steps"`
}
