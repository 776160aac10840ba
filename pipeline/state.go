package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State holds the per-table high-water marks of incremental runs.
type State map[string]string

// StateStore persists watermarks between runs.
type StateStore interface {
	Load() (State, error)
	Save(State) error
}

// FileState keeps watermarks in a JSON file, creating parent
// directories on first save. A missing file loads as empty state.
type FileState struct {
	Path string
}

// Load implements StateStore.
func (f *FileState) Load() (State, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", f.Path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", f.Path, err)
	}
	return s, nil
}

// Save implements StateStore.
func (f *FileState) Save(s State) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("save state %s: %w", f.Path, err)
	}
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("save state %s: %w", f.Path, err)
	}
	return nil
}

// MemState is an in-memory StateStore for tests and one-off runs.
type MemState struct {
	mu sync.Mutex
	s  State
}

// Load implements StateStore.
func (m *MemState) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := State{}
	for k, v := range m.s {
		out[k] = v
	}
	return out, nil
}

// Save implements StateStore.
func (m *MemState) Save(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = State{}
	for k, v := range s {
		m.s[k] = v
	}
	return nil
}

// renderWatermark turns a watermark column value into its stored
// string form. Times render as RFC 3339 so lexicographic comparison
// matches time order.
func renderWatermark(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
