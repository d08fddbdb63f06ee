package chain

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// State is the variable pool of one API pipeline run.
type State struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewState creates an empty pool.
func NewState() *State {
	return &State{vars: make(map[string]string)}
}

// Set stores a variable.
func (s *State) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[key] = value
}

// Get retrieves a variable.
func (s *State) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.vars[key]
	return val, ok
}

// GetAll returns a copy of the pool.
func (s *State) GetAll() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// MergeMap copies newVars into the pool, overwriting existing keys.
func (s *State) MergeMap(newVars map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range newVars {
		s.vars[key] = value
	}
}

// MergeOSEnv copies the process environment into the pool.
func (s *State) MergeOSEnv() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			s.vars[key] = value
		}
	}
}

// StepKey is the permanent name of a variable extracted at a 1-based step.
func StepKey(step int, name string) string {
	return fmt.Sprintf("step%d.%s", step, name)
}

// Fold stores extracted values under their bare name (latest step wins) and
// under StepKey(step, name).
func (s *State) Fold(step int, extracted map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range extracted {
		s.vars[name] = value
		s.vars[StepKey(step, name)] = value
	}
}
