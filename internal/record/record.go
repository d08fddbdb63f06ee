// Package record writes execution records for completed runs.
package record

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"cmdflow/internal/util"
)

// Status of a recorded execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is one execution of a command, pipeline or endpoint.
type Record struct {
	ID         uuid.UUID  `json:"id"`
	ActionID   string     `json:"action_id"`
	Command    string     `json:"command"`
	Status     Status     `json:"status"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// New starts a record for actionID.
func New(actionID, command string) *Record {
	return &Record{
		ID:        uuid.New(),
		ActionID:  actionID,
		Command:   command,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Finish stamps the outcome. exitCode < 0 means the run produced none.
func (r *Record) Finish(status Status, stdout, stderr string, exitCode int) {
	now := time.Now().UTC()
	r.Status = status
	r.Stdout = stdout
	r.Stderr = stderr
	r.FinishedAt = &now
	if exitCode >= 0 {
		code := exitCode
		r.ExitCode = &code
	}
}

// Sink receives finished records.
type Sink interface {
	Write(rec *Record) error
}

// Discard drops every record.
type Discard struct{}

func (Discard) Write(*Record) error { return nil }

// FileSink appends records to a JSON-lines file. Safe for concurrent use.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink returns a sink writing to path. Environment references in path are expanded.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: util.ExpandEnvUniversal(path)}
}

// Path returns the file being written.
func (s *FileSink) Path() string { return s.path }

// Write appends rec as one JSON line.
func (s *FileSink) Write(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create records directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open records file '%s': %w", s.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write records file '%s': %w", s.path, err)
	}
	return nil
}

// ReadFile loads every record from a JSON-lines file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("'%s' line %d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
