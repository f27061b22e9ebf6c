// Package state implements the durable PositionState snapshot stores: a local
// file backend and a Redis backend. Both persist the whole snapshot on every
// save so a restart fully reconstructs the engine without replaying history.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/akilibots/akili-martingale/internal/domain"
)

// FileStore persists the snapshot as a JSON file. Saves write to a temporary
// file in the same directory and rename it over the target, so a crash
// mid-write never leaves a torn snapshot behind.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the snapshot. It returns domain.ErrNotFound when no snapshot
// exists and domain.ErrStateCorrupt when the file cannot be decoded.
func (s *FileStore) Load(_ context.Context) (*domain.PositionState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("state: read snapshot %s: %w", s.path, err)
	}

	var st domain.PositionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state: decode snapshot %s: %w: %w", s.path, domain.ErrStateCorrupt, err)
	}
	if err := validate(&st); err != nil {
		return nil, fmt.Errorf("state: snapshot %s: %w: %w", s.path, domain.ErrStateCorrupt, err)
	}
	return &st, nil
}

// Save atomically overwrites the snapshot.
func (s *FileStore) Save(_ context.Context, st *domain.PositionState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("state: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: rename snapshot: %w", err)
	}
	return nil
}

// validate rejects snapshots that cannot describe a coherent engine state.
// These mean the stored record was tampered with or half-written by a foreign
// process; refusing to start beats guessing.
func validate(st *domain.PositionState) error {
	if st.Market == "" {
		return errors.New("missing market")
	}
	switch st.Phase {
	case domain.PhaseInitializing, domain.PhaseAccumulating, domain.PhaseTerminating:
	default:
		return fmt.Errorf("unknown phase %q", st.Phase)
	}
	if st.StepIndex < 0 {
		return fmt.Errorf("negative step index %d", st.StepIndex)
	}
	if st.TotalSize.IsNegative() {
		return fmt.Errorf("negative total size %s", st.TotalSize)
	}
	return nil
}
