package segmentinfo

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yodamaster/bundy/internal/segment"
)

func newTestInfo() (*Info, *segment.FileSegment, *segment.FileSegment) {
	a := segment.NewFileSegment("/tmp/memmgr-test-a", 0o644, 0)
	b := segment.NewFileSegment("/tmp/memmgr-test-b", 0o644, 0)
	return New("IN", "example.com", a, b), a, b
}

func TestStartUpdateRequiresQueuedEvent(t *testing.T) {
	i, _, _ := newTestInfo()

	_, ok := i.StartUpdate()
	require.False(t, ok, "StartUpdate with an empty queue must not start a build")
	require.Equal(t, StateReady, i.State())

	i.AddEvent(Event{Kind: EventLoad, ZoneName: "example.com"})
	cmd, ok := i.StartUpdate()
	require.True(t, ok)
	require.Equal(t, StateUpdating, i.State())
	require.False(t, cmd.Replay)
	require.Equal(t, "example.com", cmd.ZoneName)
}

// TestNoReadersColdLoad reproduces the boundary behavior documented in
// SPEC_FULL.md §8: a first loadzone with zero readers goes
// READY -> UPDATING -> READY, with no synchronization round-trip at all.
func TestNoReadersColdLoad(t *testing.T) {
	i, _, _ := newTestInfo()

	i.AddEvent(Event{Kind: EventLoad})
	_, ok := i.StartUpdate()
	require.True(t, ok)

	cmd, ok := i.CompleteUpdate()
	require.False(t, ok, "with no readers to synchronize, the queue should settle directly")
	require.Equal(t, Command{}, cmd)
	require.Equal(t, StateReady, i.State())
	require.Empty(t, i.OldReaders())
}

// TestLoadWithOneReader walks Scenario 2 from SPEC_FULL.md §8: a reader is
// present for the whole cycle, so completing the build moves it to
// old_readers and parks in SYNCHRONIZING; acking it triggers a synthesized
// catch-up replay against the sibling segment, and completing that replay
// settles in READY with no further messages.
func TestLoadWithOneReader(t *testing.T) {
	i, _, _ := newTestInfo()
	require.NoError(t, i.AddReader("r1"))

	i.AddEvent(Event{Kind: EventLoad})
	_, ok := i.StartUpdate()
	require.True(t, ok)

	cmd, ok := i.CompleteUpdate()
	require.False(t, ok, "a pending old reader must block direct advancement")
	require.Equal(t, Command{}, cmd)
	require.Equal(t, StateSynchronizing, i.State())
	require.ElementsMatch(t, []string{"r1"}, i.OldReaders())
	require.Empty(t, i.Readers())

	cmd, ok = i.SyncReader("r1")
	require.True(t, ok, "acking the last old reader must synthesize a catch-up replay")
	require.True(t, cmd.Replay)
	require.Equal(t, StateCopying, i.State())
	require.ElementsMatch(t, []string{"r1"}, i.Readers())
	require.Empty(t, i.OldReaders())

	cmd, ok = i.CompleteReplay()
	require.False(t, ok, "with an empty queue, replay completion settles in READY")
	require.Equal(t, Command{}, cmd)
	require.Equal(t, StateReady, i.State())
}

// TestLoadQueuedDuringInFlightBuild reproduces a loadzone arriving while a
// build is already UPDATING: it must queue rather than start a second
// build, and get picked up once the in-flight one completes.
func TestLoadQueuedDuringInFlightBuild(t *testing.T) {
	i, _, _ := newTestInfo()

	i.AddEvent(Event{Kind: EventLoad, ZoneName: "first.example"})
	_, ok := i.StartUpdate()
	require.True(t, ok)
	require.Equal(t, 1, i.EventsLen())

	i.AddEvent(Event{Kind: EventLoad, ZoneName: "second.example"})
	require.Equal(t, 2, i.EventsLen())

	cmd, ok := i.CompleteUpdate()
	require.True(t, ok, "a second queued event must be dispatched once the first completes")
	require.Equal(t, "second.example", cmd.ZoneName)
	require.Equal(t, StateUpdating, i.State())
	require.Equal(t, 1, i.EventsLen())
}

// TestReaderJoinsMidSync exercises a reader subscribing after a build has
// already completed and parked in SYNCHRONIZING: it must land directly in
// readers, not old_readers, since it never saw the stale content.
func TestReaderJoinsMidSync(t *testing.T) {
	i, _, _ := newTestInfo()
	require.NoError(t, i.AddReader("r1"))

	i.AddEvent(Event{Kind: EventLoad})
	_, _ = i.StartUpdate()
	_, _ = i.CompleteUpdate()
	require.Equal(t, StateSynchronizing, i.State())

	require.NoError(t, i.AddReader("r2"))
	require.ElementsMatch(t, []string{"r2"}, i.Readers())
	require.ElementsMatch(t, []string{"r1"}, i.OldReaders())
}

// TestReaderLeavesHoldingOldSegment reproduces Scenario 5 from §8: a
// reader that disconnects while still in old_readers resolves the sync
// exactly like an ack would, including the catch-up replay.
func TestReaderLeavesHoldingOldSegment(t *testing.T) {
	i, _, _ := newTestInfo()
	require.NoError(t, i.AddReader("r1"))

	i.AddEvent(Event{Kind: EventLoad})
	_, _ = i.StartUpdate()
	_, _ = i.CompleteUpdate()
	require.Equal(t, StateSynchronizing, i.State())

	cmd, ok := i.RemoveReader("r1")
	require.True(t, ok)
	require.True(t, cmd.Replay)
	require.Equal(t, StateCopying, i.State())
	require.Empty(t, i.OldReaders())
	require.Empty(t, i.Readers())
}

func TestRemoveReaderNotInOldReadersDoesNotAdvance(t *testing.T) {
	i, _, _ := newTestInfo()
	require.NoError(t, i.AddReader("r1"))
	require.NoError(t, i.AddReader("r2"))

	cmd, ok := i.RemoveReader("r2")
	require.False(t, ok)
	require.Equal(t, Command{}, cmd)
	require.ElementsMatch(t, []string{"r1"}, i.Readers())
}

func TestSyncReaderUnknownAckIsIgnored(t *testing.T) {
	i, _, _ := newTestInfo()

	cmd, ok := i.SyncReader("ghost")
	require.False(t, ok)
	require.Equal(t, Command{}, cmd)
}

func TestAddReaderRejectsDuplicate(t *testing.T) {
	i, _, _ := newTestInfo()
	require.NoError(t, i.AddReader("r1"))
	require.Error(t, i.AddReader("r1"))
}

func TestCompleteUpdatePanicsOnEmptyQueue(t *testing.T) {
	i, _, _ := newTestInfo()
	require.Panics(t, func() {
		_, _ = i.CompleteUpdate()
	})
}

func TestGetResetParamTracksSwap(t *testing.T) {
	i, a, b := newTestInfo()
	_ = os.Remove(a.Path())
	_ = os.Remove(b.Path())
	defer os.Remove(a.Path())
	defer os.Remove(b.Path())

	// a is the initial writable segment, b is the initial readable one.
	_, ok := i.GetResetParam(segment.RoleReader)
	require.False(t, ok, "readable segment has not been loaded yet")

	loader := segment.NewFileLoader()
	require.NoError(t, loader.Load(context.Background(), a, "IN", "example.com", "example.com"))

	rp, ok := i.GetResetParam(segment.RoleWriter)
	require.True(t, ok, "writable segment was just loaded")
	require.Equal(t, a.Path(), rp.Path)

	require.NoError(t, loader.Load(context.Background(), b, "IN", "example.com", "example.com"))
	rp, ok = i.GetResetParam(segment.RoleReader)
	require.True(t, ok)
	require.Equal(t, b.Path(), rp.Path)

	// Completing an update swaps the pair: a becomes readable, b writable.
	i.AddEvent(Event{Kind: EventLoad})
	_, ok = i.StartUpdate()
	require.True(t, ok)
	_, _ = i.CompleteUpdate()

	rp, ok = i.GetResetParam(segment.RoleReader)
	require.True(t, ok)
	require.Equal(t, a.Path(), rp.Path)

	rp, ok = i.GetResetParam(segment.RoleWriter)
	require.True(t, ok)
	require.Equal(t, b.Path(), rp.Path)
}
