package batch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdflow/internal/request"
)

func TestOutputPaths(t *testing.T) {
	out := t.TempDir()
	existingDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(existingDir, "report.pdf"), []byte("x"), 0o644))

	tests := []struct {
		name     string
		inputs   []string
		dir      string
		ext      string
		expected []string
	}{
		{
			name:     "Same Name Different Dirs",
			inputs:   []string{"a/x.txt", "b/x.txt"},
			dir:      out,
			ext:      "png",
			expected: []string{filepath.Join(out, "x.png"), filepath.Join(out, "x-1.png")},
		},
		{
			name:     "Existing File Not Overwritten",
			inputs:   []string{filepath.Join(existingDir, "report.md")},
			ext:      ".PDF",
			expected: []string{filepath.Join(existingDir, "report-1.pdf")},
		},
		{
			name:     "Input Directory Used Without Override",
			inputs:   []string{"/data/in/photo.jpeg"},
			ext:      "webp",
			expected: []string{"/data/in/photo.webp"},
		},
		{
			name:     "URL Input Written To Working Directory",
			inputs:   []string{"https://example.com/img.png"},
			ext:      "jpg",
			expected: []string{"img.jpg"},
		},
		{
			name:     "No Extension",
			inputs:   []string{"a/x.txt", "a/x.md", "a/x.csv"},
			dir:      out,
			expected: []string{filepath.Join(out, "x"), filepath.Join(out, "x-1"), filepath.Join(out, "x-2")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, OutputPaths(tt.inputs, tt.dir, tt.ext))
		})
	}
}

func TestSafeFileName(t *testing.T) {
	assert.Equal(t, "https___example.com_a_b", SafeFileName("https://example.com/a/b"))
	assert.Equal(t, "C__dir_file", SafeFileName(`C:\dir\file`))

	long := strings.Repeat("é", 60)
	assert.Equal(t, strings.Repeat("é", 50), SafeFileName(long))
}

func TestExport(t *testing.T) {
	fn := func(ctx context.Context, item Item) Outcome {
		body := []byte(`{"id":"` + item.Input + `"}`)
		resp := &request.Response{StatusCode: 200, Body: body}
		require.NoError(t, json.Unmarshal(body, &resp.ParsedJSON))
		if item.Input == "user:2" {
			resp.StatusCode = 500
			return Outcome{Result: "HTTP 500", Response: resp}
		}
		return Outcome{Success: true, Result: resp.BodyString(), Response: resp}
	}
	exec := NewRunner(Opts{}).Run(context.Background(), []string{"user:1", "user:2", "a/b"}, fn)

	dir := filepath.Join(t.TempDir(), "export")
	written, err := exec.Export(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(dir, "user_1.json"), filepath.Join(dir, "a_b.json")}, written)
	data, err := os.ReadFile(filepath.Join(dir, "user_1.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"user:1"}`, string(data))
	assert.NoFileExists(t, filepath.Join(dir, "user_2.json"))
}

func TestExport_NothingToWrite(t *testing.T) {
	exec := NewRunner(Opts{}).Run(context.Background(), []string{"x"}, succeed)

	written, err := exec.Export(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, written)
}
