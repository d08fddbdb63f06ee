package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
}

func TestLocateOutput(t *testing.T) {
	t.Run("File Returned As Is", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "a.txt")
		got, err := LocateOutput(filepath.Join(dir, "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "a.txt"), got)
	})

	t.Run("Priority Extension Wins", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "a.log", "b.pdf", "c.png", ".hidden.md")
		got, err := LocateOutput(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "c.png"), got)
	})

	t.Run("Markdown Beats Everything", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "z.docx", "y.jpg", "x.MD")
		got, err := LocateOutput(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "x.MD"), got)
	})

	t.Run("First Visible File Fallback", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, ".dot", "b.csv", "a.txt")
		require.NoError(t, os.Mkdir(filepath.Join(dir, "0sub"), 0o755))
		got, err := LocateOutput(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "a.txt"), got)
	})

	t.Run("Empty Directory", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, ".only-hidden")
		_, err := LocateOutput(dir)
		assert.ErrorIs(t, err, ErrNoStepOutput)
	})

	t.Run("Missing Location", func(t *testing.T) {
		_, err := LocateOutput(filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, ErrNoStepOutput)
	})
}

func TestFinalOutputLocation(t *testing.T) {
	dir := t.TempDir()

	got, err := FinalOutputLocation(dir, "https://example.com/cat.png", "jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cat.jpg"), got)

	newDir := filepath.Join(dir, "new") + string(filepath.Separator)
	got, err = FinalOutputLocation(newDir, "/in/report.md", "pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "new", "report.pdf"), got)
	assert.DirExists(t, filepath.Join(dir, "new"))

	file := filepath.Join(dir, "nested", "final.bin")
	got, err = FinalOutputLocation(file, "/in/report.md", "pdf")
	require.NoError(t, err)
	assert.Equal(t, file, got)
	assert.DirExists(t, filepath.Join(dir, "nested"))
}
