package record

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Finish(t *testing.T) {
	rec := New("thumbnails", "convert a.png a.jpg")
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Nil(t, rec.FinishedAt)
	assert.Nil(t, rec.ExitCode)

	rec.Finish(StatusFailed, "out", "err", 2)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 2, *rec.ExitCode)
	require.NotNil(t, rec.FinishedAt)
	assert.False(t, rec.FinishedAt.Before(rec.StartedAt))

	api := New("lookup", "GET http://x")
	api.Finish(StatusSuccess, "{}", "", -1)
	assert.Nil(t, api.ExitCode)
}

func TestFileSink_WriteAndRead(t *testing.T) {
	t.Setenv("RECORDS_DIR", t.TempDir())
	sink := NewFileSink("$RECORDS_DIR/nested/records.jsonl")
	assert.Equal(t, filepath.Join(os.Getenv("RECORDS_DIR"), "nested", "records.jsonl"), sink.Path())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := New("batch", "echo hi")
			rec.Finish(StatusSuccess, "hi\n", "", 0)
			assert.NoError(t, sink.Write(rec))
		}()
	}
	wg.Wait()

	records, err := ReadFile(sink.Path())
	require.NoError(t, err)
	require.Len(t, records, 10)
	assert.Equal(t, "hi\n", records[0].Stdout)
	assert.Equal(t, StatusSuccess, records[0].Status)
	require.NotNil(t, records[0].ExitCode)
	assert.Equal(t, 0, *records[0].ExitCode)
}

func TestReadFile_Errors(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"status\":\"success\"}\n\nnot json\n"), 0o644))
	_, err = ReadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard{}.Write(New("x", "y")))
}
