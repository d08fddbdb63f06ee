package pipeline

import (
	"path/filepath"
	"strings"

	"cmdflow/internal/config"
)

// shellSpecial are the characters that force a value to be quoted.
const shellSpecial = " \t\n\r\"'\\$`!*?[](){}<>|&;#~"

// Quote wraps value in double quotes when it contains whitespace or
// shell-significant characters. Inside the quotes ", \, $ and ` are escaped.
func Quote(value string) string {
	if value == "" {
		return `""`
	}
	if !strings.ContainsAny(value, shellSpecial) {
		return value
	}
	var b strings.Builder
	b.Grow(len(value) + 2)
	b.WriteByte('"')
	for _, r := range value {
		switch r {
		case '"', '\\', '$', '`':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// Invocation is everything needed to render one step's command line.
type Invocation struct {
	Definition   config.CommandDefinition
	OutputFormat string
	ExtraOptions []string
	Input        string
	// Output is empty when the tool should write wherever it writes by default.
	Output string
}

// BuildCommandLine renders the literal shell command for inv according to the
// definition's execution mode:
//
//	standard: <base> <options...> [<inputFlag>] <input> [<outputFlag>] <output>
//	pipe:     cat <input> | <base> <options...> > <output>
func BuildCommandLine(inv Invocation) string {
	def := inv.Definition
	options := EffectiveOptions(def, inv.OutputFormat, inv.ExtraOptions)

	parts := []string{strings.TrimSpace(def.BaseCommand)}
	if def.ExecutionMode == config.ModePipe {
		parts = append(parts, options...)
		line := "cat " + Quote(inv.Input) + " | " + strings.Join(parts, " ")
		if inv.Output != "" {
			line += " > " + Quote(inv.Output)
		}
		return line
	}

	parts = append(parts, inputFormatFlags(def, inv.Input)...)
	parts = append(parts, options...)
	if def.Input.Flag != "" {
		parts = append(parts, def.Input.Flag)
	}
	parts = append(parts, Quote(inv.Input))
	if inv.Output != "" && def.Output != nil {
		if def.Output.Flag != "" {
			parts = append(parts, def.Output.Flag)
		}
		parts = append(parts, Quote(inv.Output))
	}
	return strings.Join(parts, " ")
}

// EffectiveOptions is extraOptions followed by the flags the chosen output
// format requires, skipping any the caller already supplied.
func EffectiveOptions(def config.CommandDefinition, outputFormat string, extraOptions []string) []string {
	options := make([]string, 0, len(extraOptions)+2)
	for _, opt := range extraOptions {
		if strings.TrimSpace(opt) != "" {
			options = append(options, opt)
		}
	}
	if outputFormat == "" {
		return options
	}
	format, ok := def.OutputFormat(outputFormat)
	if !ok || len(format.Flags) == 0 || containsSequence(options, format.Flags) {
		return options
	}
	return append(options, format.Flags...)
}

// inputFormatFlags returns the flags declared for the input format matching
// the input's extension.
func inputFormatFlags(def config.CommandDefinition, input string) []string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(input)), ".")
	if ext == "" {
		return nil
	}
	for _, f := range def.SupportedInputFormats {
		if strings.EqualFold(f.Format, ext) {
			return f.Flags
		}
	}
	return nil
}

// ApplyFormatOverride returns step with its output format replaced by format,
// dropping the flags of the previously chosen format from its extra options.
func ApplyFormatOverride(step config.PipelineStep, def config.CommandDefinition, format string) config.PipelineStep {
	if format == "" {
		return step
	}
	out := step
	out.ExtraOptions = append([]string(nil), step.ExtraOptions...)
	if previous, ok := def.OutputFormat(step.OutputFormat); ok && step.OutputFormat != "" {
		out.ExtraOptions = removeSequence(out.ExtraOptions, previous.Flags)
	}
	out.OutputFormat = format
	return out
}

// OutputExtension picks the file extension for a step's output: the chosen
// format, else the first supported output format, else "out".
func OutputExtension(def config.CommandDefinition, chosenFormat string) string {
	ext := chosenFormat
	if ext == "" && len(def.SupportedOutputFormats) > 0 {
		ext = def.SupportedOutputFormats[0].Format
	}
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		return "out"
	}
	return ext
}

func indexSequence(list, seq []string) int {
	if len(seq) == 0 || len(seq) > len(list) {
		return -1
	}
	for i := 0; i+len(seq) <= len(list); i++ {
		match := true
		for j := range seq {
			if list[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func containsSequence(list, seq []string) bool {
	return indexSequence(list, seq) >= 0
}

func removeSequence(list, seq []string) []string {
	i := indexSequence(list, seq)
	if i < 0 {
		return list
	}
	return append(list[:i], list[i+len(seq):]...)
}
