package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// State is the durable connection state a client needs to resume a
// session after its process restarts: the session identity, the replay
// cursor for the standalone stream, and the bearer credential.
type State struct {
	SessionID       string `json:"session_id,omitempty"`
	LastEventID     uint64 `json:"last_event_id,omitempty"`
	Bearer          string `json:"bearer,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// StateStore persists client state across process restarts.
type StateStore interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
}

// MemoryStateStore keeps state in memory. Useful for tests and for
// clients that do not want cross-restart resumption.
type MemoryStateStore struct {
	mu sync.Mutex
	st State
}

func (m *MemoryStateStore) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

func (m *MemoryStateStore) Save(ctx context.Context, st State) error {
	m.mu.Lock()
	m.st = st
	m.mu.Unlock()
	return nil
}

// FileStateStore persists state as JSON in a single file. The file is
// created with 0600 permissions since it holds the bearer credential.
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a store writing to path. The parent
// directory must exist.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

func (f *FileStateStore) Load(ctx context.Context) (State, error) {
	var st State
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("reading state file: %w", err)
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("parsing state file %s: %w", f.path, err)
	}
	return st, nil
}

func (f *FileStateStore) Save(ctx context.Context, st State) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	// Write-then-rename so a crash mid-save never leaves a torn file.
	tmp := filepath.Join(filepath.Dir(f.path), "."+filepath.Base(f.path)+".tmp")
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
