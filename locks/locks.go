// Package locks implements the participant's exclusive per-file locking
// discipline (spec.md §6.2): a file can be staged by at most one in-flight
// transaction at a time, and acquiring a set of files for a transaction is
// all-or-nothing.
package locks

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/viney-shih/go-lock"
)

// FileSet tracks which local paths are currently locked by an in-flight
// transaction. A single CASMutex guards set membership so that a
// try-and-rollback acquisition across many paths never races another
// transaction's acquisition of an overlapping path.
type FileSet struct {
	guard lock.RWMutex
	held  mapset.Set[string]
	owner map[string]uint32
}

// New returns an empty FileSet.
func New() *FileSet {
	return &FileSet{
		guard: lock.NewCASMutex(),
		held:  mapset.NewSet[string](),
		owner: make(map[string]uint32),
	}
}

// TryLock attempts to acquire every path in paths for tid. It is
// all-or-nothing: if any path is already held by another transaction,
// nothing is locked and TryLock returns false. Safe to call
// again with the same tid and paths after a prior success (idempotent
// re-acquisition by the same owner succeeds without double-counting).
func (s *FileSet) TryLock(tid uint32, paths []string) bool {
	s.guard.Lock()
	defer s.guard.Unlock()

	for _, p := range paths {
		if owner, locked := s.owner[p]; locked && owner != tid {
			return false
		}
	}
	for _, p := range paths {
		s.held.Add(p)
		s.owner[p] = tid
	}
	return true
}

// Unlock releases every path in paths if currently held by tid. Releasing a
// path not held by tid, or not held at all, is a no-op — callers may call
// Unlock more than once for the same transaction during recovery replay.
func (s *FileSet) Unlock(tid uint32, paths []string) {
	s.guard.Lock()
	defer s.guard.Unlock()

	for _, p := range paths {
		if owner, locked := s.owner[p]; locked && owner == tid {
			s.held.Remove(p)
			delete(s.owner, p)
		}
	}
}

// Contains reports whether path is currently locked by any transaction.
func (s *FileSet) Contains(path string) bool {
	s.guard.RLock()
	defer s.guard.RUnlock()
	return s.held.Contains(path)
}

// OwnerOf returns the tid currently holding path, or (0, false) if path is
// unlocked.
func (s *FileSet) OwnerOf(path string) (uint32, bool) {
	s.guard.RLock()
	defer s.guard.RUnlock()
	tid, ok := s.owner[path]
	return tid, ok
}
