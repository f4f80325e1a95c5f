// Package segmentinfo implements the per (data-source, RR-class) state
// machine from SPEC_FULL.md §3/§4.1: it tracks which of a segment pair is
// currently readable vs. writable, which readers point at which, and the
// queue of pending build events.
package segmentinfo

import (
	"fmt"
	"sync"

	"github.com/yodamaster/bundy/internal/segment"
)

// State is one of the four states a SegmentInfo can be in.
type State int

const (
	// StateReady means events is empty and old_readers is empty: no build
	// is in flight and nobody is lagging behind a swap.
	StateReady State = iota
	// StateUpdating means a build command is in flight against the
	// writable segment.
	StateUpdating
	// StateSynchronizing means the freshly built segment is readable but
	// some old_readers are still pending an info_update_ack.
	StateSynchronizing
	// StateCopying is the catch-up phase: replaying already-applied
	// content into the newly freed segment so both copies converge.
	StateCopying
)

// String implements fmt.Stringer, used in "zap" log fields.
func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateUpdating:
		return "UPDATING"
	case StateSynchronizing:
		return "SYNCHRONIZING"
	case StateCopying:
		return "COPYING"
	default:
		return "UNKNOWN"
	}
}

// EventKind distinguishes the pending build events a SegmentInfo can queue.
type EventKind int

const (
	// EventLoad triggers a builder load command.
	EventLoad EventKind = iota
	// EventShutdown asks the builder to exit; only ever produced by the
	// manager directly against the builder, never queued on a SegmentInfo.
	EventShutdown
)

// Event is a pending build trigger queued against a SegmentInfo. ZoneName
// empty means "load all zones defined for this data source."
type Event struct {
	Kind     EventKind
	ZoneName string
}

// Command is what Info hands back to the caller (the Manager) so it can be
// forwarded to the builder.
type Command struct {
	Kind       EventKind
	ZoneName   string
	Class      string
	DataSource string
	Segment    segment.Segment
	// Replay marks a catch-up build produced while resolving a
	// SYNCHRONIZING → COPYING transition: it brings the now-writable
	// (stale) sibling segment forward and must be completed via
	// CompleteReplay, not CompleteUpdate, since it swaps nothing and
	// evicts no readers.
	Replay bool
}

// Info is the per (data-source, RR-class) state machine.
type Info struct {
	mu sync.Mutex

	class      string
	dataSource string

	state State

	writable segment.Segment
	readable segment.Segment

	events    []Event
	lastEvent Event

	readers    map[string]struct{}
	oldReaders map[string]struct{}
}

// New creates a fresh Info in state READY for the given (class,
// dataSource) pair, with the two segments that make up its pair. Neither
// segment needs to be pre-populated.
func New(class, dataSource string, a, b segment.Segment) *Info {
	return &Info{
		class:      class,
		dataSource: dataSource,
		state:      StateReady,
		writable:   a,
		readable:   b,
		readers:    map[string]struct{}{},
		oldReaders: map[string]struct{}{},
	}
}

// Class returns the RR class this Info serves.
func (i *Info) Class() string { return i.class }

// DataSource returns the data-source name this Info serves.
func (i *Info) DataSource() string { return i.dataSource }

// State returns the current state.
func (i *Info) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Readers returns a snapshot of the current readers set.
func (i *Info) Readers() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return keys(i.readers)
}

// OldReaders returns a snapshot of the current old_readers set.
func (i *Info) OldReaders() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return keys(i.oldReaders)
}

// EventsLen returns the number of pending events in the queue.
func (i *Info) EventsLen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.events)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// AddReader adds r to readers. Precondition: r is not already tracked by
// this Info (in either readers or old_readers).
func (i *Info) AddReader(r string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.readers[r]; ok {
		return fmt.Errorf("reader %q is already tracked", r)
	}
	if _, ok := i.oldReaders[r]; ok {
		return fmt.Errorf("reader %q is already tracked", r)
	}

	i.readers[r] = struct{}{}
	return nil
}

// RemoveReader removes r from whichever set it is tracked in. If removing
// it from old_readers empties that set while SYNCHRONIZING, the state
// machine advances and a follow-up build command is returned.
func (i *Info) RemoveReader(r string) (Command, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.oldReaders[r]; ok {
		delete(i.oldReaders, r)
		return i.resolveSync()
	}

	delete(i.readers, r)
	return Command{}, false
}

// AddEvent appends e to the pending event queue. It does not by itself
// start work; call StartUpdate (directly, or via the manager noticing the
// segment is idle) to do that.
func (i *Info) AddEvent(e Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, e)
}

// StartUpdate transitions READY → UPDATING and returns the head event as a
// builder command, if the queue is non-empty. Otherwise it returns false;
// work starts when the current cycle completes.
func (i *Info) StartUpdate() (Command, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != StateReady || len(i.events) == 0 {
		return Command{}, false
	}

	i.state = StateUpdating
	return i.headCommand(), true
}

func (i *Info) headCommand() Command {
	e := i.events[0]
	return Command{
		Kind:       e.Kind,
		ZoneName:   e.ZoneName,
		Class:      i.class,
		DataSource: i.dataSource,
		Segment:    i.writable,
	}
}

// CompleteUpdate is invoked on a non-replay builder completion. It swaps
// writable and readable, moves the current readers en masse into
// old_readers, pops the just-completed event, and either waits in
// SYNCHRONIZING for old_readers to drain or, if there were none, advances
// the queue directly.
func (i *Info) CompleteUpdate() (Command, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.events) == 0 {
		panic("segmentinfo: CompleteUpdate called with an empty event queue")
	}

	i.lastEvent = i.events[0]
	i.events = i.events[1:]

	i.writable, i.readable = i.readable, i.writable

	for r := range i.readers {
		i.oldReaders[r] = struct{}{}
	}
	i.readers = map[string]struct{}{}

	if len(i.oldReaders) > 0 {
		i.state = StateSynchronizing
		return Command{}, false
	}

	return i.advanceQueue()
}

// CompleteReplay is invoked when a Replay command (produced by resolveSync)
// finishes. It performs no swap and evicts no readers — the replay only
// brought the stale sibling segment's content forward — and either
// advances to the next queued event or settles in READY.
func (i *Info) CompleteReplay() (Command, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.advanceQueue()
}

func (i *Info) advanceQueue() (Command, bool) {
	if len(i.events) > 0 {
		i.state = StateUpdating
		return i.headCommand(), true
	}

	i.state = StateReady
	return Command{}, false
}

// SyncReader is invoked when a reader acknowledges it has switched
// segments. It moves r from old_readers to readers and, if that empties
// old_readers while SYNCHRONIZING, advances the state machine.
func (i *Info) SyncReader(r string) (Command, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.oldReaders[r]; !ok {
		return Command{}, false
	}

	delete(i.oldReaders, r)
	i.readers[r] = struct{}{}

	return i.resolveSync()
}

// resolveSync is the shared COPYING-entry path for RemoveReader and
// SyncReader: called once old_readers has just emptied. If real work is
// still queued it's dispatched normally; otherwise the segment that never
// received this cycle's content (the now-writable sibling) is caught up
// with a replay of the last-applied event, per the COPYING invariant in
// SPEC_FULL.md §3.
func (i *Info) resolveSync() (Command, bool) {
	if i.state != StateSynchronizing || len(i.oldReaders) > 0 {
		return Command{}, false
	}

	if len(i.events) > 0 {
		i.state = StateUpdating
		return i.headCommand(), true
	}

	// No real work is queued: catch the stale sibling segment up with a
	// replay of the last-applied event. This is the COPYING phase from
	// SPEC_FULL.md §3's data model, distinct from UPDATING in that it
	// never swaps segments or evicts readers on completion (see
	// CompleteReplay).
	i.state = StateCopying
	return Command{
		Kind:       i.lastEvent.Kind,
		ZoneName:   i.lastEvent.ZoneName,
		Class:      i.class,
		DataSource: i.dataSource,
		Segment:    i.writable,
		Replay:     true,
	}, true
}

// GetResetParam returns the opaque attach parameters for the readable
// segment (role=RoleReader) or the writable segment (role=RoleWriter).
// Returns false if the requested segment has not yet been initialized.
func (i *Info) GetResetParam(role segment.Role) (segment.ResetParam, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	seg := i.readable
	if role == segment.RoleWriter {
		seg = i.writable
	}
	return seg.ResetParam()
}
