package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cmdflow/internal/util"
)

// artifactPriority is the order in which output files are preferred when a
// step writes into a directory.
var artifactPriority = []string{".md", ".png", ".jpg", ".jpeg", ".pdf", ".docx"}

// LocateOutput resolves a step's output location to the file the next step
// should read. A file is returned as is. For a directory, the first visible
// (non-dot) file with an extension in artifactPriority wins, checked in
// priority order; otherwise the first visible file found.
func LocateOutput(location string) (string, error) {
	info, err := os.Stat(location)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoStepOutput, err)
	}
	if !info.IsDir() {
		return location, nil
	}

	entries, err := os.ReadDir(location)
	if err != nil {
		return "", fmt.Errorf("%w: reading '%s': %v", ErrNoStepOutput, location, err)
	}
	var visible []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		visible = append(visible, entry.Name())
	}
	if len(visible) == 0 {
		return "", fmt.Errorf("%w: directory '%s' is empty", ErrNoStepOutput, location)
	}
	for _, ext := range artifactPriority {
		for _, name := range visible {
			if strings.EqualFold(filepath.Ext(name), ext) {
				return filepath.Join(location, name), nil
			}
		}
	}
	return filepath.Join(location, visible[0]), nil
}

// FinalOutputLocation resolves a caller-supplied final output path. An
// existing directory (or a path ending in a separator) gets
// <dir>/<inputBaseName>.<ext>; anything else is used as the file path.
func FinalOutputLocation(finalPath, input, ext string) (string, error) {
	isDir := strings.HasSuffix(finalPath, string(filepath.Separator)) || strings.HasSuffix(finalPath, "/")
	if info, err := os.Stat(finalPath); err == nil && info.IsDir() {
		isDir = true
	}
	if !isDir {
		if dir := filepath.Dir(finalPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("failed to create output directory '%s': %w", dir, err)
			}
		}
		return finalPath, nil
	}
	if err := os.MkdirAll(finalPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory '%s': %w", finalPath, err)
	}
	base := util.BaseName(input)
	if base == "" {
		base = "output"
	}
	return filepath.Join(filepath.Clean(finalPath), base+"."+ext), nil
}
