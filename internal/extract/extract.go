// Package extract pulls named values out of HTTP responses.
//
// An extraction path takes one of three forms:
//
//	$.Result.items[0].id      JSON path (dot keys, [n] indexes)
//	header:<Name>:<regex>     first capture group of a response header
//	jq:<filter>               output of a jq filter over the body
//
// A path that does not resolve is a miss, never an error: the variable is
// simply not produced.
package extract

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"cmdflow/internal/config"
	"cmdflow/internal/jq"
	"cmdflow/internal/logging"
	"cmdflow/internal/util"
)

const (
	headerPrefix = "header:"
	jqPrefix     = "jq:"
)

// Source is the part of a response extractions read from.
type Source struct {
	Body   []byte
	Header http.Header
}

// FilterFunc evaluates a jq filter. Swapped out by tests.
type FilterFunc func(ctx context.Context, input []byte, filter string) (string, error)

// Extractor evaluates extraction lists against responses.
type Extractor struct {
	filter FilterFunc
}

// New returns an Extractor using the jq binary for jq: paths.
func New() *Extractor {
	return &Extractor{filter: jq.RunFilter}
}

// NewWithFilter returns an Extractor using filter for jq: paths.
func NewWithFilter(filter FilterFunc) *Extractor {
	return &Extractor{filter: filter}
}

// Apply evaluates every extraction against src and returns the values that
// resolved, keyed by variable name. Later extractions of the same variable win.
func (e *Extractor) Apply(ctx context.Context, src Source, extractions []config.Extraction) map[string]string {
	values := make(map[string]string, len(extractions))
	for _, ex := range extractions {
		value, ok := e.evaluate(ctx, src, ex.Path)
		if !ok {
			logging.Logf(logging.Debug, "Extraction '%s' for variable '%s' did not resolve", ex.Path, ex.Variable)
			continue
		}
		logging.Logf(logging.Info, "Extracted variable '%s' = '%s'", ex.Variable, util.Snippet([]byte(value)))
		values[ex.Variable] = value
	}
	return values
}

func (e *Extractor) evaluate(ctx context.Context, src Source, path string) (string, bool) {
	trimmed := strings.TrimSpace(path)
	switch {
	case strings.HasPrefix(trimmed, headerPrefix):
		value, err := HeaderValue(src.Header, trimmed)
		if err != nil {
			logging.Logf(logging.Debug, "Header extraction: %v", err)
			return "", false
		}
		return value, true
	case strings.HasPrefix(trimmed, jqPrefix):
		if e.filter == nil || len(src.Body) == 0 {
			return "", false
		}
		out, err := e.filter(ctx, src.Body, strings.TrimSpace(strings.TrimPrefix(trimmed, jqPrefix)))
		if err != nil {
			logging.Logf(logging.Warning, "jq extraction '%s' failed: %v", trimmed, err)
			return "", false
		}
		if out == "" || out == "null" {
			return "", false
		}
		return out, true
	default:
		return JSONPath(src.Body, trimmed)
	}
}

// JSONPath resolves a "$.a.b[0]" path against a JSON document. Only string,
// number and boolean leaves resolve; objects, arrays, null and invalid JSON
// are misses. Numbers keep their literal form.
func JSONPath(body []byte, path string) (string, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return "", false
	}
	gpath, ok := toGJSONPath(path)
	if !ok {
		return "", false
	}
	result := gjson.GetBytes(body, gpath)
	switch result.Type {
	case gjson.String:
		return result.String(), true
	case gjson.Number:
		return result.Raw, true
	case gjson.True, gjson.False:
		return result.Raw, true
	default:
		return "", false
	}
}

// toGJSONPath converts "$.a.b[0]['c d']" to the gjson path `a.b.0.c d`,
// escaping gjson's own metacharacters inside keys.
func toGJSONPath(path string) (string, bool) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "$")
	p = strings.TrimPrefix(p, ".")
	if p == "" {
		return "", false
	}

	var segments []string
	var key strings.Builder
	flush := func() {
		if key.Len() > 0 {
			segments = append(segments, escapeKey(key.String()))
			key.Reset()
		}
	}
	for i := 0; i < len(p); i++ {
		switch c := p[i]; c {
		case '.':
			flush()
		case '[':
			flush()
			end := strings.IndexByte(p[i:], ']')
			if end < 0 {
				return "", false
			}
			inner := strings.TrimSpace(p[i+1 : i+end])
			i += end
			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
				segments = append(segments, escapeKey(inner[1:len(inner)-1]))
				continue
			}
			if inner == "" || strings.Trim(inner, "0123456789") != "" {
				return "", false
			}
			segments = append(segments, inner)
		default:
			key.WriteByte(c)
		}
	}
	flush()
	if len(segments) == 0 {
		return "", false
	}
	return strings.Join(segments, "."), true
}

func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%', '[', ']', '{', '}', '(', ')', ',', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HeaderValue evaluates a "header:<Name>:<regex>" expression and returns the
// regex's first capture group.
func HeaderValue(header http.Header, expr string) (string, error) {
	if !strings.HasPrefix(expr, headerPrefix) {
		return "", fmt.Errorf("invalid header extraction expression format: %s", expr)
	}
	parts := strings.SplitN(strings.TrimPrefix(expr, headerPrefix), ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid header extraction expression format (missing regex): %s", expr)
	}
	name := strings.TrimSpace(parts[0])
	pattern := parts[1]
	if name == "" || pattern == "" {
		return "", fmt.Errorf("invalid header extraction expression format (empty header name or regex): %s", expr)
	}

	values, present := header[http.CanonicalHeaderKey(name)]
	if !present {
		return "", fmt.Errorf("header '%s' not found in response", name)
	}
	value := ""
	if len(values) > 0 {
		value = values[0]
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}
	matches := re.FindStringSubmatch(value)
	if len(matches) < 2 {
		return "", fmt.Errorf("regex '%s' did not match or capture a group in header '%s' value '%s'", pattern, name, value)
	}
	return matches[1], nil
}
