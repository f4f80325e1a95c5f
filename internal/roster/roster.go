// Package roster implements the process-wide reader roster from
// SPEC_FULL.md §3/§15 ("ReaderRoster"): the set of subscribed reader ids
// and, per reader, the set of segments for which an info_update is
// currently outstanding, with per-segment outstanding counts.
//
// Grounded on the teacher's coordinator/internal/registry.Registry
// RWMutex-guarded map idiom, generalized to a two-level map.
package roster

import (
	"sync"

	"github.com/yodamaster/bundy/internal/segmentinfo"
)

// Roster tracks subscribed readers and their outstanding info_update acks.
type Roster struct {
	mu sync.Mutex
	// readers maps reader id -> (SegmentInfo -> outstanding count).
	// Absence of the SegmentInfo key means zero outstanding; absence of
	// the reader key means the reader is not subscribed.
	readers map[string]map[*segmentinfo.Info]int
}

// New creates an empty Roster.
func New() *Roster {
	return &Roster{readers: map[string]map[*segmentinfo.Info]int{}}
}

// Subscribe adds r to the roster. It is a no-op if r is already present.
func (m *Roster) Subscribe(r string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.readers[r]; ok {
		return
	}
	m.readers[r] = map[*segmentinfo.Info]int{}
}

// Unsubscribe removes r from the roster entirely and returns whatever
// outstanding segments it still had acks pending for (the caller decides
// what, if anything, to do about those).
func (m *Roster) Unsubscribe(r string) []*segmentinfo.Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.readers[r]
	delete(m.readers, r)

	out := make([]*segmentinfo.Info, 0, len(pending))
	for si := range pending {
		out = append(out, si)
	}
	return out
}

// IsSubscribed reports whether r is currently on the roster.
func (m *Roster) IsSubscribed(r string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.readers[r]
	return ok
}

// Readers returns a snapshot of every subscribed reader id.
func (m *Roster) Readers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.readers))
	for r := range m.readers {
		out = append(out, r)
	}
	return out
}

// MarkOutstanding records that an info_update was just sent to r for si,
// incrementing its outstanding count. Returns false if r is not
// subscribed.
func (m *Roster) MarkOutstanding(r string, si *segmentinfo.Info) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	segs, ok := m.readers[r]
	if !ok {
		return false
	}
	segs[si]++
	return true
}

// Ack decrements the outstanding count for (r, si) after an
// info_update_ack. It returns (zero, true) once the count reaches zero —
// meaning the caller should remove the SegmentInfo key and call
// si.SyncReader(r) — or (false, true) if acks are still outstanding. The
// second return is false if (r, si) is unknown, per SPEC_FULL.md §7's
// UnknownReaderOrSegment: the ack should be logged and swallowed.
func (m *Roster) Ack(r string, si *segmentinfo.Info) (zero bool, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	segs, ok := m.readers[r]
	if !ok {
		return false, false
	}

	count, ok := segs[si]
	if !ok || count <= 0 {
		return false, false
	}

	count--
	if count == 0 {
		delete(segs, si)
		return true, true
	}

	segs[si] = count
	return false, true
}

// Outstanding returns the current outstanding count for (r, si); zero if
// absent.
func (m *Roster) Outstanding(r string, si *segmentinfo.Info) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	segs, ok := m.readers[r]
	if !ok {
		return 0
	}
	return segs[si]
}
