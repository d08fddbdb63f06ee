package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var zeroID uuid.UUID

var (
	knownLogLevels      = []string{"none", "error", "warn", "warning", "info", "debug"}
	knownHttpMethods    = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	knownExecutionModes = []string{string(ModeStandard), string(ModePipe)}
	knownOutputTargets  = []string{OutputDirectory, OutputFile}
	knownAPIKeyPlaces   = []string{"", "header", "query"}
)

// requiredAuthKeys lists the auth_config entries each auth type cannot do without.
var requiredAuthKeys = map[AuthType][]string{
	AuthAPIKey: {"key", "value"},
	AuthToken:  {"key", "secret"},
	AuthBearer: {"token"},
	AuthBasic:  {"username", "password"},
	AuthDigest: {"username", "password"},
	AuthNTLM:   {"username", "password"},
	AuthOAuth2: {"client_id", "client_secret", "token_url"},
}

func isValidEnumValue(value string, allowedValues []string) bool {
	for _, allowed := range allowedValues {
		if strings.EqualFold(value, allowed) {
			return true
		}
	}
	return false
}

// ValidateConfigManually checks the whole configuration and reports every problem at once.
func ValidateConfigManually(cfg *Config) error {
	var allErrors []string
	if !isValidEnumValue(cfg.Logging.Level, knownLogLevels) {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Logging.Level: invalid log level '%s', must be one of %v", cfg.Logging.Level, knownLogLevels))
	}
	if cfg.Retry.MaxAttempts < 1 {
		allErrors = append(allErrors, "- Config.Retry.MaxAttempts: must be at least 1")
	}
	if cfg.Retry.Backoff < 1 {
		allErrors = append(allErrors, "- Config.Retry.Backoff: must be at least 1 second")
	}
	if cfg.Batch.Concurrency < 1 {
		allErrors = append(allErrors, "- Config.Batch.Concurrency: must be at least 1")
	}
	if len(cfg.Commands) == 0 && len(cfg.Endpoints) == 0 {
		allErrors = append(allErrors, "- Config: at least one command or endpoint definition is required")
	}

	seen := make(map[string]bool)
	for i, def := range cfg.Commands {
		prefix := fmt.Sprintf("Config.Commands[%d]", i)
		if def.Name != "" {
			prefix = fmt.Sprintf("Config.Commands[%s]", def.Name)
		}
		allErrors = append(allErrors, validateCommand(prefix, &def)...)
		if def.Name != "" && seen[def.Name] {
			allErrors = append(allErrors, fmt.Sprintf("- %s.Name: duplicate command name", prefix))
		}
		seen[def.Name] = true
	}

	commands := cfg.CommandIndex()
	for _, name := range sortedKeys(cfg.Pipelines) {
		allErrors = append(allErrors, validatePipeline(fmt.Sprintf("Config.Pipelines[%s]", name), cfg.Pipelines[name], commands)...)
	}

	ids := make(map[uuid.UUID]string)
	for i, ep := range cfg.Endpoints {
		prefix := fmt.Sprintf("Config.Endpoints[%d]", i)
		if ep.Name != "" {
			prefix = fmt.Sprintf("Config.Endpoints[%s]", ep.Name)
		}
		allErrors = append(allErrors, validateEndpoint(prefix, &ep)...)
		if other, dup := ids[ep.ID]; dup {
			allErrors = append(allErrors, fmt.Sprintf("- %s.ID: '%s' already used by endpoint '%s'", prefix, ep.ID, other))
		}
		ids[ep.ID] = ep.Name
	}

	endpoints := cfg.EndpointIndex()
	for _, name := range sortedKeys(cfg.APIPipelines) {
		allErrors = append(allErrors, validateAPIPipeline(fmt.Sprintf("Config.APIPipelines[%s]", name), cfg.APIPipelines[name], endpoints)...)
	}

	if len(allErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(allErrors, "\n"))
	}
	return nil
}

func validateCommand(prefix string, def *CommandDefinition) []string {
	var errs []string
	if def.Name == "" {
		errs = append(errs, fmt.Sprintf("- %s.Name: is required", prefix))
	}
	if strings.TrimSpace(def.BaseCommand) == "" {
		errs = append(errs, fmt.Sprintf("- %s.BaseCommand: is required", prefix))
	}
	if !isValidEnumValue(string(def.ExecutionMode), knownExecutionModes) {
		errs = append(errs, fmt.Sprintf("- %s.ExecutionMode: invalid mode '%s', must be one of %v", prefix, def.ExecutionMode, knownExecutionModes))
	}
	if def.Output != nil && !isValidEnumValue(def.Output.Target, knownOutputTargets) {
		errs = append(errs, fmt.Sprintf("- %s.Output.Target: invalid target '%s', must be one of %v", prefix, def.Output.Target, knownOutputTargets))
	}
	for j, f := range def.SupportedInputFormats {
		if strings.TrimSpace(f.Format) == "" {
			errs = append(errs, fmt.Sprintf("- %s.SupportedInputFormats[%d].Format: is required", prefix, j))
		}
	}
	for j, f := range def.SupportedOutputFormats {
		if strings.TrimSpace(f.Format) == "" {
			errs = append(errs, fmt.Sprintf("- %s.SupportedOutputFormats[%d].Format: is required", prefix, j))
		}
	}
	return errs
}

func validatePipeline(prefix string, p Pipeline, commands map[string]CommandDefinition) []string {
	var errs []string
	if len(p.Steps) == 0 {
		return append(errs, fmt.Sprintf("- %s.Steps: at least one step is required", prefix))
	}
	for i, step := range p.Steps {
		def, ok := commands[step.Command]
		if !ok {
			errs = append(errs, fmt.Sprintf("- %s.Steps[%d]: references command '%s' which is not defined", prefix, i, step.Command))
			continue
		}
		if step.OutputFormat != "" && len(def.SupportedOutputFormats) > 0 {
			if _, ok := def.OutputFormat(step.OutputFormat); !ok {
				errs = append(errs, fmt.Sprintf("- %s.Steps[%d].OutputFormat: '%s' is not supported by command '%s'", prefix, i, step.OutputFormat, def.Name))
			}
		}
	}
	return errs
}

func validateEndpoint(prefix string, ep *APIEndpoint) []string {
	var errs []string
	if ep.Name == "" {
		errs = append(errs, fmt.Sprintf("- %s.Name: is required", prefix))
	}
	if ep.URL == "" {
		errs = append(errs, fmt.Sprintf("- %s.URL: is required", prefix))
	} else if !strings.Contains(ep.URL, "{{") {
		// templated URLs can only be checked once substituted
		if u, err := url.Parse(ep.URL); err != nil {
			errs = append(errs, fmt.Sprintf("- %s.URL: invalid URL: %v", prefix, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Sprintf("- %s.URL: invalid URL scheme '%s', must be http or https", prefix, u.Scheme))
		}
	}
	if !isValidEnumValue(ep.Method, knownHttpMethods) {
		errs = append(errs, fmt.Sprintf("- %s.Method: invalid HTTP method '%s'", prefix, ep.Method))
	}
	authType := NormalizeAuthType(ep.AuthType)
	if _, known := requiredAuthKeys[authType]; !known && authType != AuthNone && authType != AuthCustom {
		errs = append(errs, fmt.Sprintf("- %s.AuthType: invalid auth type '%s'", prefix, ep.AuthType))
	}
	for _, key := range requiredAuthKeys[authType] {
		if ep.AuthConfig[key] == "" {
			errs = append(errs, fmt.Sprintf("- %s.AuthConfig: missing or empty required key '%s' for auth type '%s'", prefix, key, authType))
		}
	}
	if authType == AuthAPIKey && !isValidEnumValue(ep.AuthConfig["location"], knownAPIKeyPlaces) {
		errs = append(errs, fmt.Sprintf("- %s.AuthConfig.location: must be 'header' or 'query', got '%s'", prefix, ep.AuthConfig["location"]))
	}
	for j, ex := range ep.Extractions {
		if strings.TrimSpace(ex.Path) == "" || strings.TrimSpace(ex.Variable) == "" {
			errs = append(errs, fmt.Sprintf("- %s.Extractions[%d]: both json_path and variable are required", prefix, j))
		}
	}
	return errs
}

func validateAPIPipeline(prefix string, p APIPipeline, endpoints map[uuid.UUID]APIEndpoint) []string {
	var errs []string
	if len(p.Steps) == 0 {
		return append(errs, fmt.Sprintf("- %s.Steps: at least one step is required", prefix))
	}
	for i, step := range p.Steps {
		if step.EndpointID == zeroID {
			if step.Endpoint == "" {
				errs = append(errs, fmt.Sprintf("- %s.Steps[%d]: one of 'endpoint' or 'endpoint_id' is required", prefix, i))
			} else {
				errs = append(errs, fmt.Sprintf("- %s.Steps[%d]: references endpoint '%s' which is not defined", prefix, i, step.Endpoint))
			}
			continue
		}
		if _, ok := endpoints[step.EndpointID]; !ok {
			errs = append(errs, fmt.Sprintf("- %s.Steps[%d]: references endpoint id '%s' which is not defined", prefix, i, step.EndpointID))
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
