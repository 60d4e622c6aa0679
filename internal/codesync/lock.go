// Package codesync serializes concurrent indexing runs against the same
// codebase. Two processes computing a delta for the same project
// simultaneously would race on the same metadata store, BM25 index and
// vector store; the lock here turns that race into a clear error instead of
// silent corruption.
package codesync

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ProjectLock is an advisory, cross-process lock scoped to one codebase's
// data directory. It is held for the duration of a single indexing run.
type ProjectLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewProjectLock returns a lock file at <dataDir>/.index.lock.
func NewProjectLock(dataDir string) *ProjectLock {
	path := filepath.Join(dataDir, ".index.lock")
	return &ProjectLock{path: path, flock: flock.New(path)}
}

// TryAcquire attempts to acquire the lock without blocking. It returns false
// (with no error) when another process already holds it.
func (l *ProjectLock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire project lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Release drops the lock. Safe to call on an unlocked ProjectLock.
func (l *ProjectLock) Release() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release project lock: %w", err)
	}
	l.locked = false
	return nil
}
