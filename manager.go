package memmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yodamaster/bundy/internal/builder"
	"github.com/yodamaster/bundy/internal/bus"
	"github.com/yodamaster/bundy/internal/datasrc"
	"github.com/yodamaster/bundy/internal/roster"
	"github.com/yodamaster/bundy/internal/segment"
	"github.com/yodamaster/bundy/internal/segmentinfo"
)

type options struct {
	Log    *zap.SugaredLogger
	Bus    bus.Bus
	Loader segment.Loader
}

func newOptions() *options {
	return &options{
		Log:    zap.NewNop().Sugar(),
		Loader: segment.NewFileLoader(),
	}
}

// Option configures a Manager.
type Option func(*options)

// WithLog sets the logger for the manager and everything it owns.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// WithBus sets the control bus the manager's event loop drives from. If
// omitted, a LocalBus is created.
func WithBus(b bus.Bus) Option {
	return func(o *options) { o.Bus = b }
}

// WithLoader overrides the default FileLoader used to build segment pairs.
func WithLoader(l segment.Loader) Option {
	return func(o *options) { o.Loader = l }
}

// Manager is the top-level orchestration component: it owns the data
// source registry, the reader roster, the builder worker, and the control
// bus, and runs the single event loop that ties them together per
// SPEC_FULL.md §4.4/§14.
type Manager struct {
	cfg *Config

	datasrc *datasrc.Registry
	roster  *roster.Roster
	builder *builder.Builder
	bus     bus.Bus
	log     *zap.SugaredLogger

	closeOnce sync.Once
}

// New creates a Manager from cfg, installing the first data-source
// generation from cfg.DataSources. It does not start the event loop; call
// Run for that.
func New(cfg *Config, opts ...Option) (*Manager, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	log := o.Log
	log.Infow("initializing memmgr", zap.Any("config", cfg))

	if err := os.MkdirAll(cfg.MappedFileDir, 0o755); err != nil {
		return nil, &FatalSetupError{Reason: "create mapped file directory", Err: err}
	}

	segments := map[datasrc.Key]*segmentinfo.Info{}
	for _, ds := range cfg.DataSources {
		a := segment.NewFileSegment(
			filepath.Join(cfg.MappedFileDir, fmt.Sprintf("%s.%s.a", ds.Class, ds.Name)),
			0o644, ds.SegmentSize,
		)
		b := segment.NewFileSegment(
			filepath.Join(cfg.MappedFileDir, fmt.Sprintf("%s.%s.b", ds.Class, ds.Name)),
			0o644, ds.SegmentSize,
		)
		segments[datasrc.Key{Class: ds.Class, DataSource: ds.Name}] = segmentinfo.New(ds.Class, ds.Name, a, b)
	}

	reg := datasrc.NewRegistry()
	if err := reg.Install(datasrc.NewInfo(1, segments)); err != nil {
		return nil, &FatalSetupError{Reason: "install initial data source generation", Err: err}
	}

	b := o.Bus
	if b == nil {
		b = bus.NewLocalBus(cfg.Bus.ChannelBuffer)
	}

	return &Manager{
		cfg:     cfg,
		datasrc: reg,
		roster:  roster.New(),
		builder: builder.New(o.Loader, cfg.Bus.ChannelBuffer, log),
		bus:     b,
		log:     log,
	}, nil
}

// Run drives the manager's event loop until ctx is canceled or an
// unrecoverable error occurs. It first reconciles the reader roster
// against the bus's startup members RPC (SPEC_FULL.md §6/§13), so readers
// that subscribed before the manager came up are not silently dropped.
// The builder runs on its own goroutine under the same errgroup, grounded
// on the teacher's coordinator.Run pattern of supervising worker
// goroutines with golang.org/x/sync/errgroup.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("running memmgr")
	defer m.log.Info("stopped memmgr")

	if err := m.reconcileMembers(ctx); err != nil {
		return fmt.Errorf("failed to reconcile bus members at startup: %w", err)
	}

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return m.builder.Run(ctx)
	})

	wg.Go(func() error {
		return m.loop(ctx)
	})

	return wg.Wait()
}

// reconcileMembers calls the bus's Members RPC once at startup and
// registers every reader it returns as connected, exactly as a live
// Subscribed notification would: roster.Subscribe, then AddReader (plus
// an immediate info_update where applicable) against every tracked
// SegmentInfo. Members itself carries the retry policy (see
// bus.LocalBus.Members); this call site is what actually exercises it in
// the product, not just in tests.
func (m *Manager) reconcileMembers(ctx context.Context) error {
	members, err := m.bus.Members(ctx)
	if err != nil {
		return err
	}

	for _, member := range members {
		if !member.Connected {
			continue
		}
		m.log.Infow("reconciled reader from startup members RPC", zap.String("reader", member.Reader))
		m.registerReader(ctx, member.Reader)
	}

	return nil
}

// loop is the single select statement that multiplexes bus commands, bus
// notifications, bus acks, and builder responses. The SegmentInfo and
// roster calls each branch makes take their own locks only for the
// duration of the call, never across a channel send, so a full channel
// never blocks while one of those locks is held.
func (m *Manager) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// Ask the builder to drain whatever it already has queued
			// instead of abandoning it via the errgroup's shared ctx
			// cancellation (see builder.Builder.Run).
			m.builder.Shutdown()
			return ctx.Err()

		case lz, ok := <-m.bus.Commands():
			if !ok {
				return nil
			}
			m.handleLoadZone(ctx, lz)

		case note, ok := <-m.bus.Notifications():
			if !ok {
				return nil
			}
			m.handleNotification(ctx, note)

		case ack, ok := <-m.bus.Acks():
			if !ok {
				return nil
			}
			m.handleAck(ctx, ack)

		case resp, ok := <-m.builder.Responses():
			if !ok {
				return nil
			}
			m.handleBuildResponse(ctx, resp)
		}
	}
}

func (m *Manager) lookup(class, dataSource string) (*segmentinfo.Info, error) {
	si, ok := m.datasrc.FindSegmentInfo(class, dataSource)
	if !ok {
		return nil, &NoDataSourceError{Class: class, DataSource: dataSource}
	}
	return si, nil
}

func (m *Manager) handleLoadZone(ctx context.Context, lz bus.LoadZone) {
	// A loadzone naming no class/data-source at all is malformed at the
	// command level; per SPEC_FULL.md §7 that is BadLoadZoneArgs, distinct
	// from NoDataSource below (a well-formed command naming a pair the
	// manager simply never configured).
	if lz.Class == "" || lz.DataSource == "" {
		m.log.Warnw("loadzone with missing class/datasource",
			zap.String("class", lz.Class), zap.String("datasource", lz.DataSource))
		_ = m.bus.Answer(ctx, bus.ZoneUpdated{
			Class: lz.Class, DataSource: lz.DataSource, ZoneName: lz.ZoneName,
			Err: (&BadLoadZoneArgsError{Class: lz.Class, DataSource: lz.DataSource}).Error(),
		})
		return
	}

	si, err := m.lookup(lz.Class, lz.DataSource)
	if err != nil {
		m.log.Warnw("loadzone for unconfigured data source",
			zap.String("class", lz.Class), zap.String("datasource", lz.DataSource))
		_ = m.bus.Answer(ctx, bus.ZoneUpdated{
			Class: lz.Class, DataSource: lz.DataSource, ZoneName: lz.ZoneName,
			Err: err.Error(),
		})
		return
	}

	si.AddEvent(segmentinfo.Event{Kind: segmentinfo.EventLoad, ZoneName: lz.ZoneName})

	if cmd, ok := si.StartUpdate(); ok {
		m.dispatch(cmd)
	}
}

// handleZoneUpdateNotification handles the inbound zone_updated
// notification (SPEC_FULL.md §4.4/§6): it has the same effect as a
// loadzone command, except a (class, dataSource) pair the manager has no
// SegmentInfo for is tolerated silently rather than answered with an
// error — the notification may legitimately arrive for a data source this
// manager instance was never configured to track.
func (m *Manager) handleZoneUpdateNotification(ctx context.Context, n bus.ZoneUpdateNotification) {
	si, err := m.lookup(n.Class, n.DataSource)
	if err != nil {
		m.log.Debugw("zone_updated for data source this manager does not track",
			zap.String("class", n.Class), zap.String("datasource", n.DataSource), zap.String("origin", n.Origin))
		return
	}

	si.AddEvent(segmentinfo.Event{Kind: segmentinfo.EventLoad, ZoneName: n.Origin})

	if cmd, ok := si.StartUpdate(); ok {
		m.dispatch(cmd)
	}
}

func (m *Manager) dispatch(cmd segmentinfo.Command) {
	m.builder.Commands() <- builder.FromSegmentInfoCommand(cmd)
}

func (m *Manager) handleNotification(ctx context.Context, note any) {
	switch n := note.(type) {
	case bus.Subscribed:
		m.log.Infow("reader subscribed", zap.String("reader", n.Reader))
		m.registerReader(ctx, n.Reader)

	case bus.Unsubscribed:
		m.log.Infow("reader unsubscribed", zap.String("reader", n.Reader))
		pending := m.roster.Unsubscribe(n.Reader)
		for _, si := range pending {
			if cmd, ok := si.RemoveReader(n.Reader); ok {
				m.dispatch(cmd)
			}
		}
		for _, si := range m.datasrc.AllSegmentInfos() {
			if alreadyHandled(pending, si) {
				continue
			}
			if cmd, ok := si.RemoveReader(n.Reader); ok {
				m.dispatch(cmd)
			}
		}

	case bus.ZoneUpdateNotification:
		m.handleZoneUpdateNotification(ctx, n)

	default:
		m.log.Warnw("unknown bus notification", zap.Any("notification", note))
	}
}

// registerReader is the shared path for a reader becoming known to the
// manager, whether from a live Subscribed notification or from the
// startup members RPC reconcile. Per SPEC_FULL.md §4.3/§8 Scenario 4, a
// newly registered reader immediately receives an info_update for any
// SegmentInfo whose readable segment already exists — it must not have
// to wait for the next build to learn about content that's already
// there.
func (m *Manager) registerReader(ctx context.Context, reader string) {
	m.roster.Subscribe(reader)

	for _, si := range m.datasrc.AllSegmentInfos() {
		// AddReader always lands a newcomer in readers (never
		// old_readers), so a reader joining mid-SYNCHRONIZING correctly
		// skips waiting on content it never held a stale view of.
		if err := si.AddReader(reader); err != nil {
			m.log.Debugw("reader already tracked", zap.String("reader", reader),
				zap.String("class", si.Class()), zap.String("datasource", si.DataSource()))
			continue
		}

		rp, ok := si.GetResetParam(segment.RoleReader)
		if !ok {
			continue
		}

		if m.roster.MarkOutstanding(reader, si) {
			if err := m.bus.SendInfoUpdate(ctx, bus.InfoUpdate{
				Reader: reader, Class: si.Class(), DataSource: si.DataSource(), SegmentParams: rp,
			}); err != nil {
				m.log.Warnw("failed to send initial info_update", zap.String("reader", reader), zap.Error(err))
			}
		}
	}
}

func alreadyHandled(handled []*segmentinfo.Info, si *segmentinfo.Info) bool {
	for _, h := range handled {
		if h == si {
			return true
		}
	}
	return false
}

func (m *Manager) handleAck(ctx context.Context, ack bus.InfoUpdateAck) {
	si, err := m.lookup(ack.Class, ack.DataSource)
	if err != nil {
		m.log.Warnw("info_update_ack for unknown data source",
			zap.String("reader", ack.Reader), zap.String("class", ack.Class), zap.String("datasource", ack.DataSource))
		return
	}

	zero, known := m.roster.Ack(ack.Reader, si)
	if !known {
		m.log.Warnw("info_update_ack for unknown reader/segment pairing",
			zap.Error(&UnknownReaderOrSegmentError{Reader: ack.Reader, Class: ack.Class, DataSource: ack.DataSource}))
		return
	}
	if !zero {
		return
	}

	if cmd, ok := si.SyncReader(ack.Reader); ok {
		m.dispatch(cmd)
	}
}

func (m *Manager) handleBuildResponse(ctx context.Context, resp builder.Response) {
	si, err := m.lookup(resp.Class, resp.DataSource)
	if err != nil {
		m.log.Errorw("build response for unknown data source",
			zap.String("class", resp.Class), zap.String("datasource", resp.DataSource))
		return
	}

	if resp.Err != nil {
		m.log.Errorw("build failed",
			zap.String("class", resp.Class), zap.String("datasource", resp.DataSource),
			zap.Error(&BuilderFailureError{Class: resp.Class, DataSource: resp.DataSource, Err: resp.Err}))
	}

	var (
		cmd segmentinfo.Command
		ok  bool
	)
	if resp.Replay {
		cmd, ok = si.CompleteReplay()
	} else {
		cmd, ok = si.CompleteUpdate()
	}

	if ok {
		m.dispatch(cmd)
	}

	if !resp.Replay {
		m.notifyReaders(ctx, si)
	}

	errStr := ""
	if resp.Err != nil {
		errStr = resp.Err.Error()
	}
	_ = m.bus.Answer(ctx, bus.ZoneUpdated{
		Class: resp.Class, DataSource: resp.DataSource, Err: errStr,
	})
}

// notifyReaders sends info_update to every reader now in old_readers, so
// they can attach to the fresh readable segment and ack their way out of
// SYNCHRONIZING.
func (m *Manager) notifyReaders(ctx context.Context, si *segmentinfo.Info) {
	rp, ok := si.GetResetParam(segment.RoleReader)
	if !ok {
		return
	}

	for _, r := range si.OldReaders() {
		if m.roster.MarkOutstanding(r, si) {
			if err := m.bus.SendInfoUpdate(ctx, bus.InfoUpdate{
				Reader: r, Class: si.Class(), DataSource: si.DataSource(), SegmentParams: rp,
			}); err != nil {
				m.log.Warnw("failed to send info_update", zap.String("reader", r), zap.Error(err))
			}
		}
	}
}

// Close releases the manager's resources, including the control bus.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.bus.Close()
	})
	return err
}
