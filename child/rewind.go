package child

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// SnapshotSet tracks which checkpoints have fork snapshots on disk, and
// which fork replays each of them. Rewinding to an arbitrary checkpoint
// means restarting the nearest snapshotted fork at or before it and
// running forward.
type SnapshotSet struct {
	mu      sync.RWMutex
	indexes *roaring.Bitmap
	paths   map[uint64]string
}

// NewSnapshotSet returns an empty set.
func NewSnapshotSet() *SnapshotSet {
	return &SnapshotSet{
		indexes: roaring.New(),
		paths:   make(map[uint64]string),
	}
}

// Add records a snapshot taken at the given checkpoint.
func (s *SnapshotSet) Add(checkpointIndex uint64, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes.Add(uint32(checkpointIndex))
	s.paths[checkpointIndex] = path
}

// Has reports whether a snapshot exists at an exact checkpoint.
func (s *SnapshotSet) Has(checkpointIndex uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexes.Contains(uint32(checkpointIndex))
}

// Len returns the number of snapshots tracked.
func (s *SnapshotSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.indexes.GetCardinality())
}

// Nearest returns the highest snapshotted checkpoint at or before target.
func (s *SnapshotSet) Nearest(target uint64) (uint64, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it := s.indexes.ReverseIterator()
	for it.HasNext() {
		idx := uint64(it.Next())
		if idx <= target {
			return idx, s.paths[idx], true
		}
	}
	return 0, "", false
}

// Remove drops a snapshot from the set, for eviction after its file is
// deleted.
func (s *SnapshotSet) Remove(checkpointIndex uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes.Remove(uint32(checkpointIndex))
	delete(s.paths, checkpointIndex)
}

// String summarizes the set for logs.
func (s *SnapshotSet) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("snapshots{count=%d}", s.indexes.GetCardinality())
}
