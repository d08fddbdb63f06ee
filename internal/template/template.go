// Package template implements the {{name}} placeholder protocol shared by
// command and API pipelines.
package template

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimestampKey is the built-in placeholder holding the current epoch seconds.
const TimestampKey = "timestamp"

// Now is the clock used for {{timestamp}}. Tests may replace it.
var Now = time.Now

// Placeholder returns the placeholder text for name, e.g. "{{id}}".
func Placeholder(name string) string {
	return "{{" + name + "}}"
}

// Timestamp returns the current epoch seconds as a string.
func Timestamp() string {
	return strconv.FormatInt(Now().Unix(), 10)
}

// Substitute replaces {{timestamp}} with the current epoch seconds, then every
// {{key}} for key in variables with its value. Placeholders with no value are
// left verbatim. Replacement is a single pass, so values containing
// placeholders are not expanded again.
func Substitute(text string, variables map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	text = strings.ReplaceAll(text, Placeholder(TimestampKey), Timestamp())
	if len(variables) == 0 {
		return text
	}

	keys := make([]string, 0, len(variables))
	for k := range variables {
		if k != TimestampKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, Placeholder(k), variables[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// SubstituteMap applies Substitute to every value of m and returns a new map.
func SubstituteMap(m map[string]string, variables map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Substitute(v, variables)
	}
	return out
}

// Unresolved lists the placeholder names still present in text.
func Unresolved(text string) []string {
	var names []string
	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			return names
		}
		end := strings.Index(text[start+2:], "}}")
		if end < 0 {
			return names
		}
		names = append(names, text[start+2:start+2+end])
		text = text[start+2+end+2:]
	}
}
