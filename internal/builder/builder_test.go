package builder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yodamaster/bundy/internal/segment"
	"github.com/yodamaster/bundy/internal/segmentinfo"
)

func TestBuilderExecutesLoadAndReportsSuccess(t *testing.T) {
	b := New(segment.NewFileLoader(), 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return b.Run(ctx) })

	seg := segment.NewFileSegment(filepath.Join(t.TempDir(), "zone.seg"), 0o644, 0)
	b.Commands() <- Command{
		Kind: segmentinfo.EventLoad, Class: "IN", DataSource: "example.com", ZoneName: "www.example.com",
		Segment: seg,
	}

	select {
	case resp := <-b.Responses():
		require.NoError(t, resp.Err)
		require.Equal(t, "IN", resp.Class)
		require.Equal(t, "example.com", resp.DataSource)
		require.False(t, resp.Replay)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for build response")
	}

	b.Shutdown()
	require.NoError(t, wg.Wait())
}

type failingLoader struct{ err error }

func (f failingLoader) Load(_ context.Context, _ segment.Segment, _, _, _ string) error {
	return f.err
}

func TestBuilderReportsLoaderFailureWithoutRetrying(t *testing.T) {
	wantErr := errors.New("disk full")
	b := New(failingLoader{err: wantErr}, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return b.Run(ctx) })

	b.Commands() <- Command{Kind: segmentinfo.EventLoad, Class: "IN", DataSource: "example.com"}

	select {
	case resp := <-b.Responses():
		require.Error(t, resp.Err)
		require.ErrorIs(t, resp.Err, wantErr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for build response")
	}

	b.Shutdown()
	require.NoError(t, wg.Wait())
}

func TestFromSegmentInfoCommandCopiesReplayFlag(t *testing.T) {
	c := segmentinfo.Command{Kind: segmentinfo.EventLoad, Replay: true, Class: "IN", DataSource: "example.com"}
	got := FromSegmentInfoCommand(c)
	require.True(t, got.Replay)
	require.Equal(t, "IN", got.Class)
}
