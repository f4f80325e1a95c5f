package memmgr

import (
	"context"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yodamaster/bundy/internal/bus"
)

func newTestManager(t *testing.T) (*Manager, *bus.LocalBus) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.MappedFileDir = t.TempDir()
	cfg.DataSources = []DataSourceConfig{
		{Class: "IN", Name: "example.com", SegmentSize: 4 * datasize.KB},
	}

	b := bus.NewLocalBus(8)
	m, err := New(cfg, WithBus(b))
	require.NoError(t, err)

	return m, b
}

func runManager(t *testing.T, m *Manager) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return m.Run(ctx) })

	return func() {
		cancel()
		_ = wg.Wait()
	}
}

func waitForAnswer(t *testing.T, b *bus.LocalBus) bus.ZoneUpdated {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		if answers := b.Answers(); len(answers) > 0 {
			return answers[len(answers)-1]
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a zone_updated answer")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestColdLoadNoReaders reproduces Scenario 1 from SPEC_FULL.md §8 and the
// boundary behavior bullet: the first loadzone with no readers subscribed
// completes with no info_update sent to anybody.
func TestColdLoadNoReaders(t *testing.T) {
	m, b := newTestManager(t)
	defer runManager(t, m)()

	ctx := context.Background()
	require.NoError(t, b.PushLoadZone(ctx, bus.LoadZone{Class: "IN", DataSource: "example.com"}))

	answer := waitForAnswer(t, b)
	require.Empty(t, answer.Err)
	require.Empty(t, b.InfoUpdatesFor("r1"))
}

// TestLoadWithSubscribedReader reproduces Scenario 2 from SPEC_FULL.md §8:
// with a reader subscribed before the build starts, completion parks in
// SYNCHRONIZING and an info_update is sent to the old reader.
func TestLoadWithSubscribedReader(t *testing.T) {
	m, b := newTestManager(t)
	defer runManager(t, m)()

	ctx := context.Background()
	require.NoError(t, b.PushSubscribed(ctx, "r1"))
	require.NoError(t, b.PushLoadZone(ctx, bus.LoadZone{Class: "IN", DataSource: "example.com"}))

	require.Eventually(t, func() bool {
		return len(b.InfoUpdatesFor("r1")) > 0
	}, 2*time.Second, 10*time.Millisecond, "expected an info_update to be sent to r1")

	require.NoError(t, b.PushAck(ctx, bus.InfoUpdateAck{Reader: "r1", Class: "IN", DataSource: "example.com"}))

	answer := waitForAnswer(t, b)
	require.Empty(t, answer.Err)
}

// TestUnknownDataSourceIsReportedAsNoDataSource covers the NoDataSource
// error path: a well-formed loadzone for a (class, dataSource) pair that
// was never configured must answer with an error, not hang.
func TestUnknownDataSourceIsReportedAsNoDataSource(t *testing.T) {
	m, b := newTestManager(t)
	defer runManager(t, m)()

	ctx := context.Background()
	require.NoError(t, b.PushLoadZone(ctx, bus.LoadZone{Class: "CH", DataSource: "nonexistent.example"}))

	answer := waitForAnswer(t, b)
	require.NotEmpty(t, answer.Err)
	require.Contains(t, answer.Err, "no such data source")
}

// TestReaderUnsubscribeWhileSynchronizingResolvesLikeAnAck reproduces
// Scenario 5 from SPEC_FULL.md §8: a reader that disconnects while still
// holding the old segment resolves the sync exactly as an ack would.
func TestReaderUnsubscribeWhileSynchronizingResolvesLikeAnAck(t *testing.T) {
	m, b := newTestManager(t)
	defer runManager(t, m)()

	ctx := context.Background()
	require.NoError(t, b.PushSubscribed(ctx, "r1"))
	require.NoError(t, b.PushLoadZone(ctx, bus.LoadZone{Class: "IN", DataSource: "example.com"}))

	require.Eventually(t, func() bool {
		return len(b.InfoUpdatesFor("r1")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.PushUnsubscribed(ctx, "r1"))

	// The replay build this triggers completes and answers once more, on
	// top of the original build's answer.
	require.Eventually(t, func() bool {
		return len(b.Answers()) >= 2
	}, 2*time.Second, 10*time.Millisecond, "expected the catch-up replay to also answer")
}

func TestConfigValidateRejectsEmptyDataSources(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsDuplicateDataSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataSources = []DataSourceConfig{
		{Class: "IN", Name: "example.com"},
		{Class: "IN", Name: "example.com"},
	}
	require.Error(t, cfg.Validate())
}
