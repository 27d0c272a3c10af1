// Package overlay implements OverlayState (spec §4.7): the in-memory
// record of which absolute paths have been deleted or upserted since
// the last flush, used both to shadow older on-disk layers at query
// time and to compute the `.del` sidecar a flush writes out.
package overlay

import "sync"

// State tracks deleted_paths and upserted_paths as spec §4.7 defines
// them: mutually exclusive sets maintained incrementally as events are
// applied. A deleted_paths entry is removed once it has been persisted
// into a `.del` sidecar (Subtract); an upserted_paths entry is removed
// only by a later MarkDeleted of the same path or by Clear.
type State struct {
	mu            sync.RWMutex
	deletedPaths  map[string]struct{}
	upsertedPaths map[string]struct{}
}

// New returns an empty OverlayState.
func New() *State {
	return &State{
		deletedPaths:  make(map[string]struct{}),
		upsertedPaths: make(map[string]struct{}),
	}
}

// MarkDeleted records a Delete or Rename-from of path p: added to
// deleted_paths, removed from upserted_paths.
func (s *State) MarkDeleted(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedPaths[p] = struct{}{}
	delete(s.upsertedPaths, p)
}

// MarkUpserted records a Create/Modify/Rename-to of path p: added to
// upserted_paths, removed from deleted_paths.
func (s *State) MarkUpserted(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertedPaths[p] = struct{}{}
	delete(s.deletedPaths, p)
}

// IsDeleted reports whether p is currently shadowed by a pending
// delete.
func (s *State) IsDeleted(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deletedPaths[p]
	return ok
}

// DeletedPaths returns a snapshot of every currently-deleted path, used
// to seed the query-time `blocked` set (spec §4.8 step 2).
func (s *State) DeletedPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.deletedPaths))
	for p := range s.deletedPaths {
		out = append(out, p)
	}
	return out
}

// SidecarPaths computes deleted_paths \ upserted_paths: the set a
// flush must persist into the new segment's `.del` sidecar, per spec
// §4.7 — a path re-created after deletion must not shadow itself in
// the segment that both deletes and re-creates it.
func (s *State) SidecarPaths() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, 0, len(s.deletedPaths))
	for p := range s.deletedPaths {
		if _, reborn := s.upsertedPaths[p]; reborn {
			continue
		}
		out = append(out, []byte(p))
	}
	return out
}

// DeletedCount and UpsertedCount back the StatsReporter's OverlayState
// entry counts (spec §4.10).
func (s *State) DeletedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deletedPaths)
}

func (s *State) UpsertedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.upsertedPaths)
}

// ByteSize estimates the overlay's memory footprint for StatsReporter:
// the summed byte length of every path string held in either set.
func (s *State) ByteSize() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	for p := range s.deletedPaths {
		n += uint64(len(p))
	}
	for p := range s.upsertedPaths {
		n += uint64(len(p))
	}
	return n
}

// Subtract removes exactly paths (as returned by a prior SidecarPaths
// snapshot that has since been persisted into a `.del` sidecar) from
// deleted_paths. Unlike Clear, it leaves upserted_paths and any
// deleted_paths/upserted_paths entries added since the snapshot was
// taken untouched — those belong to events applied to the delta that
// replaced the one this flush just persisted, and have no other
// on-disk shadow yet (spec §4.8 step 7).
func (s *State) Subtract(paths [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		delete(s.deletedPaths, string(p))
	}
}

// Clear empties both sets. Flush and rebuild do not call it; they use
// Subtract.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedPaths = make(map[string]struct{})
	s.upsertedPaths = make(map[string]struct{})
}
