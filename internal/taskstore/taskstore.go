// Package taskstore provides the debounced, atomic JSON snapshot of task
// metadata (C2). One in-memory deferred timer coalesces many mutations
// into a single write.
package taskstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/taskexec/internal/domain"
)

// envelope is the versioned on-disk schema (spec.md §9 "JSON persistence
// with shifting schemas").
type envelope struct {
	Version int            `json:"version"`
	Tasks   []*domain.Task `json:"tasks"`
}

const currentVersion = 1

// Store manages the debounced atomic snapshot file.
type Store struct {
	path  string
	delay time.Duration

	mu      sync.Mutex
	pending []*domain.Task
	timer   *time.Timer
}

// New creates a task store writing to path, debouncing Save calls by delay.
func New(path string, delay time.Duration) *Store {
	return &Store{path: path, delay: delay}
}

// Load reads the snapshot file. A missing or unparsable file yields an
// empty list and is logged, not treated as fatal. An envelope with an
// unrecognized future version is refused with a diagnostic error.
func (s *Store) Load() ([]*domain.Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("task snapshot not found, starting empty", "path", s.path)
			return nil, nil
		}
		slog.Warn("failed to read task snapshot, starting empty", "path", s.path, "error", err)
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("failed to parse task snapshot, starting empty", "path", s.path, "error", err)
		return nil, nil
	}
	if env.Version != currentVersion {
		return nil, fmt.Errorf("task snapshot %s has unsupported version %d (want %d)", s.path, env.Version, currentVersion)
	}
	return env.Tasks, nil
}

// Save writes snapshot to disk immediately: serialize, write to a temp
// file in the same directory, fsync, rename over the target.
func (s *Store) Save(snapshot []*domain.Task) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create task snapshot dir: %w", err)
	}

	data, err := json.Marshal(envelope{Version: currentVersion, Tasks: snapshot})
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tasks-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp snapshot file: %w", err)
	}
	return nil
}

// ScheduleSave arms (or re-arms) the debounce timer with snapshot as the
// latest value to persist. Multiple calls within the debounce window
// collapse into a single write of the most recent snapshot.
func (s *Store) ScheduleSave(snapshot []*domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = snapshot
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		toSave := s.pending
		s.mu.Unlock()
		if err := s.Save(toSave); err != nil {
			slog.Error("debounced task snapshot save failed", "path", s.path, "error", err)
		}
	})
}

// Flush forces an immediate save of the most recently scheduled snapshot,
// canceling any pending timer. Intended for use on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	toSave := s.pending
	s.mu.Unlock()

	if toSave == nil {
		return nil
	}
	return s.Save(toSave)
}
