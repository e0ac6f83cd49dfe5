package engine

import (
	"sync"

	"github.com/driveclone/driveclone/internal/store"
)

// mapping is the in-memory view of a task's source→destination folder
// correspondence: the ordered entries as persisted plus an index for
// membership tests. The first entry is the root pair.
type mapping struct {
	mu      sync.RWMutex
	entries []store.MappingEntry
	index   map[string]string
}

func newMapping(entries []store.MappingEntry) *mapping {
	m := &mapping{
		entries: make([]store.MappingEntry, 0, len(entries)),
		index:   make(map[string]string, len(entries)),
	}

	for _, e := range entries {
		m.add(e.SourceID, e.DestID)
	}

	return m
}

// lookup returns the destination folder recorded for sourceID.
func (m *mapping) lookup(sourceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dest, ok := m.index[sourceID]

	return dest, ok
}

// add records sourceID→destID unless sourceID is already mapped, and
// returns the destination in effect.
func (m *mapping) add(sourceID, destID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.index[sourceID]; ok {
		return existing
	}

	m.index[sourceID] = destID
	m.entries = append(m.entries, store.MappingEntry{SourceID: sourceID, DestID: destID})

	return destID
}

// root returns the first entry.
func (m *mapping) root() (store.MappingEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return store.MappingEntry{}, false
	}

	return m.entries[0], true
}
