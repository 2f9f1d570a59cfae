// Copyright 2024 The serverless-gateway Authors
// This file is part of the serverless-gateway library.
//
// The serverless-gateway library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The serverless-gateway library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the serverless-gateway library. If not, see <http://www.gnu.org/licenses/>.

package epochstate

import (
	"sort"
	"sync"
)

// DefaultStatesToMaintain is the retention width W when none is configured.
const DefaultStatesToMaintain = 5

// Store holds the cycle-indexed snapshots. Readers run concurrently; writes
// are serialised and insert fully built snapshots only, so a cycle is either
// completely present or absent. Snapshots must not be mutated after insert.
//
// Retention keeps 1.5x the configured width: a delayed builder may still
// seed a new cycle from a state older than the width itself.
type Store struct {
	mu     sync.RWMutex
	width  uint64
	cycles map[uint64]*Snapshot
}

// NewStore creates a store retaining floor(1.5*width) cycles.
func NewStore(width uint64) *Store {
	if width == 0 {
		width = DefaultStatesToMaintain
	}
	return &Store{width: width, cycles: make(map[uint64]*Snapshot)}
}

// Width returns the configured retention width W.
func (s *Store) Width() uint64 { return s.width }

// Get returns the snapshot for a cycle, if present.
func (s *Store) Get(cycle uint64) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.cycles[cycle]
	return snap, ok
}

// Has reports whether the cycle is present.
func (s *Store) Has(cycle uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cycles[cycle]
	return ok
}

// Insert stores the snapshot for a cycle, overwriting any previous one.
func (s *Store) Insert(cycle uint64, snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles[cycle] = snap
}

// KeysAscending returns the stored cycle numbers, oldest first.
func (s *Store) KeysAscending() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]uint64, 0, len(s.cycles))
	for c := range s.cycles {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// LatestBefore returns the greatest stored cycle strictly below the given
// one, together with its snapshot.
func (s *Store) LatestBefore(cycle uint64) (uint64, *Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  uint64
		found bool
	)
	for c := range s.cycles {
		if c < cycle && (!found || c > best) {
			best = c
			found = true
		}
	}
	if !found {
		return 0, nil, false
	}
	return best, s.cycles[best], true
}

// Prune drops every cycle at least floor(1.5*width) behind the current one
// and returns how many were removed.
func (s *Store) Prune(current uint64) int {
	limit := s.width * 3 / 2
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for c := range s.cycles {
		if current >= c && current-c >= limit {
			delete(s.cycles, c)
			removed++
		}
	}
	return removed
}
