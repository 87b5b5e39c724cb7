// Package domain provides core domain implementations.
package domain

import (
	"sort"
	"sync"
)

// TelemetryStore implements the SnapshotStore interface.
type TelemetryStore struct {
	snapshots map[string]*Snapshot
	mutex     sync.RWMutex
}

// NewTelemetryStore creates a new telemetry store.
func NewTelemetryStore() *TelemetryStore {
	return &TelemetryStore{
		snapshots: make(map[string]*Snapshot),
	}
}

// Put replaces the snapshot kept for the snapshot's group.
func (s *TelemetryStore) Put(snapshot *Snapshot) {
	if snapshot == nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.snapshots[snapshot.Group] = snapshot
}

// Get retrieves the latest snapshot of a group.
func (s *TelemetryStore) Get(group string) (*Snapshot, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	snapshot, exists := s.snapshots[group]
	if !exists {
		return nil, false
	}

	return snapshot, true
}

// All returns every stored snapshot ordered by group name.
func (s *TelemetryStore) All() []*Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	snapshots := make([]*Snapshot, 0, len(s.snapshots))
	for _, snapshot := range s.snapshots {
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Group < snapshots[j].Group
	})

	return snapshots
}

// Item finds a param in the latest snapshot of a group.
func (s *TelemetryStore) Item(group, param string) (TelemetryItem, bool) {
	snapshot, ok := s.Get(group)
	if !ok {
		return TelemetryItem{}, false
	}
	return snapshot.Find(param)
}
