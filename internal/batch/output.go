package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cmdflow/internal/logging"
	"cmdflow/internal/util"
)

// safeNameLimit is the longest name SafeFileName returns, in characters.
const safeNameLimit = 50

// OutputPaths assigns one output path per input. The target directory is dir
// when set, else the input's own directory (the working directory for URLs).
// A path that already exists on disk, or was handed out to an earlier input,
// gets "-1", "-2", ... appended to its base name.
func OutputPaths(inputs []string, dir, ext string) []string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	reserved := make(map[string]bool, len(inputs))
	paths := make([]string, len(inputs))
	for i, input := range inputs {
		base := util.BaseName(input)
		if base == "" {
			base = "output"
		}
		target := dir
		if target == "" {
			target = inputDir(input)
		}

		candidate := filepath.Join(target, withExt(base, ext))
		for n := 1; reserved[candidate] || exists(candidate); n++ {
			candidate = filepath.Join(target, withExt(fmt.Sprintf("%s-%d", base, n), ext))
		}
		reserved[candidate] = true
		paths[i] = candidate
	}
	return paths
}

func inputDir(input string) string {
	if strings.Contains(input, "://") {
		return "."
	}
	return filepath.Dir(input)
}

func withExt(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// SafeFileName turns an input (URL, path, free text) into a file name by
// replacing '/', '\' and ':' with '_' and keeping the first 50 characters.
func SafeFileName(input string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(input)
	if r := []rune(name); len(r) > safeNameLimit {
		name = string(r[:safeNameLimit])
	}
	return name
}

// Export writes the body of every successful API item to <dir>/<safe input>.json
// and returns the written paths in item order.
func (e *Execution) Export(dir string) ([]string, error) {
	dir = util.ExpandEnvUniversal(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory '%s': %w", dir, err)
	}
	var written []string
	for _, item := range e.Items() {
		if item.Status != StatusSuccess || item.Response == nil {
			continue
		}
		path := filepath.Join(dir, SafeFileName(item.Input)+".json")
		if err := os.WriteFile(path, []byte(item.Response.BodyString()), 0o644); err != nil {
			return written, fmt.Errorf("failed to export item '%s': %w", item.Input, err)
		}
		logging.Logf(logging.Debug, "Exported '%s' to %s", item.Input, path)
		written = append(written, path)
	}
	logging.Logf(logging.Info, "Exported %d responses to %s", len(written), dir)
	return written, nil
}
