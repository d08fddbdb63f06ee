package util

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var windowsEnvPattern = regexp.MustCompile(`%([A-Za-z0-9_]+)%`)

// ExpandEnvUniversal expands Unix-style ($VAR, ${VAR}) and Windows-style (%VAR%)
// environment references. Unset variables expand to the empty string.
// Used on config-provided paths such as the shell or the records file.
func ExpandEnvUniversal(s string) string {
	expanded := os.ExpandEnv(s)
	return windowsEnvPattern.ReplaceAllStringFunc(expanded, func(match string) string {
		value, _ := os.LookupEnv(match[1 : len(match)-1])
		return value
	})
}

// Snippet returns at most 200 runes of b, suffixed with "..." when truncated.
func Snippet(b []byte) string {
	const maxLen = 200
	s := string(b)
	if len(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// LooksLikeJSON reports whether s is shaped like a JSON object or array.
// It does not validate the content.
func LooksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	return (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"))
}

// BaseName returns the last element of path with its extension removed.
// "https://example.com/img.png" -> "img", "/tmp/archive.tar.gz" -> "archive.tar".
func BaseName(path string) string {
	base := filepath.Base(path)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
