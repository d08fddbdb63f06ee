package config

import (
	"fmt"
	"strings"
)

// CompatibleFormats returns the formats produced by from that to can consume.
func CompatibleFormats(from, to CommandDefinition) []string {
	var shared []string
	for _, out := range from.SupportedOutputFormats {
		for _, in := range to.SupportedInputFormats {
			if equalFold(out.Format, in.Format) {
				shared = append(shared, strings.ToLower(out.Format))
				break
			}
		}
	}
	return shared
}

// CompatibilityWarnings lists adjacent steps whose formats do not line up.
// Incompatibility never blocks a run; steps whose definitions are unknown or
// declare no formats are skipped.
func CompatibilityWarnings(p Pipeline, defs map[string]CommandDefinition) []string {
	var warnings []string
	for i := 0; i+1 < len(p.Steps); i++ {
		from, ok1 := defs[p.Steps[i].Command]
		to, ok2 := defs[p.Steps[i+1].Command]
		if !ok1 || !ok2 {
			continue
		}
		if len(from.SupportedOutputFormats) == 0 || len(to.SupportedInputFormats) == 0 {
			continue
		}
		shared := CompatibleFormats(from, to)
		if len(shared) == 0 {
			warnings = append(warnings, fmt.Sprintf("step %d (%s) -> step %d (%s): no compatible format", i+1, from.Name, i+2, to.Name))
			continue
		}
		chosen := p.Steps[i].OutputFormat
		if chosen != "" && !containsFold(shared, chosen) {
			warnings = append(warnings, fmt.Sprintf("step %d (%s): chosen output format '%s' is not accepted by step %d (%s), compatible: %s",
				i+1, from.Name, chosen, i+2, to.Name, strings.Join(shared, ", ")))
		}
	}
	return warnings
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if equalFold(v, s) {
			return true
		}
	}
	return false
}
