// Package datasrc implements the generation-tagged registry of configured
// data sources (SPEC_FULL.md §3/§12 "DataSrcInfo"), grounded on the
// teacher's module registry (coordinator/internal/registry.Registry):
// an RWMutex-guarded map, generalized from name → Module to
// generation → (class, name) → *segmentinfo.Info.
package datasrc

import (
	"fmt"
	"sync"

	"github.com/yodamaster/bundy/internal/segmentinfo"
)

// Key identifies a SegmentInfo within a generation.
type Key struct {
	Class      string
	DataSource string
}

// Info is an immutable-once-created, generation-tagged snapshot of
// configured data sources: it holds a monotonically increasing
// generation id and the mapping (RR-class, data-source-name) →
// *segmentinfo.Info.
type Info struct {
	generation uint64
	segments   map[Key]*segmentinfo.Info
}

// NewInfo creates a new generation from the given segment map. The map is
// not copied defensively by the caller's convention: build it fully, then
// pass it here and stop mutating it — Info is immutable once constructed.
func NewInfo(generation uint64, segments map[Key]*segmentinfo.Info) *Info {
	return &Info{generation: generation, segments: segments}
}

// Generation returns this snapshot's monotonic generation id.
func (m *Info) Generation() uint64 { return m.generation }

// Lookup returns the SegmentInfo for (class, dataSource) in this
// generation, if any.
func (m *Info) Lookup(class, dataSource string) (*segmentinfo.Info, bool) {
	si, ok := m.segments[Key{Class: class, DataSource: dataSource}]
	return si, ok
}

// All returns every SegmentInfo in this generation.
func (m *Info) All() []*segmentinfo.Info {
	out := make([]*segmentinfo.Info, 0, len(m.segments))
	for _, si := range m.segments {
		out = append(out, si)
	}
	return out
}

// Registry holds the append-only list of generations. Per SPEC_FULL.md §9,
// only the newest generation accepts new events in the current design;
// older generations are retained so readers that lagged across a
// reconfiguration keep a valid SegmentInfo to look up by identity.
type Registry struct {
	mu          sync.RWMutex
	generations []*Info
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Install appends a new generation, which becomes the one returned by
// Current. Generation ids must be strictly increasing.
func (m *Registry) Install(info *Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.generations) > 0 {
		last := m.generations[len(m.generations)-1]
		if info.Generation() <= last.Generation() {
			return fmt.Errorf("generation %d is not newer than current generation %d", info.Generation(), last.Generation())
		}
	}

	m.generations = append(m.generations, info)
	return nil
}

// Current returns the newest generation, if any has been installed.
func (m *Registry) Current() (*Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.generations) == 0 {
		return nil, false
	}
	return m.generations[len(m.generations)-1], true
}

// FindSegmentInfo looks up a SegmentInfo by identity across every
// generation, newest first. This resolves the Open Question in
// SPEC_FULL.md §9 about acks that arrive for an older generation's
// SegmentInfo after a reader lagged across a reconfiguration: look it up
// across all generations, not just the newest.
func (m *Registry) FindSegmentInfo(class, dataSource string) (*segmentinfo.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for idx := len(m.generations) - 1; idx >= 0; idx-- {
		if si, ok := m.generations[idx].Lookup(class, dataSource); ok {
			return si, true
		}
	}
	return nil, false
}

// AllSegmentInfos returns every SegmentInfo across every generation, used
// when reconciling a newly subscribed or unsubscribed reader against the
// whole process-wide state (SPEC_FULL.md §4.3).
func (m *Registry) AllSegmentInfos() []*segmentinfo.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*segmentinfo.Info, 0)
	for _, gen := range m.generations {
		out = append(out, gen.All()...)
	}
	return out
}
