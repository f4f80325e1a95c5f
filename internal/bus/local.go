package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
)

// LocalBus is the in-process reference Bus implementation: it is the
// control bus used by cmd/memmgrd's standalone/demo mode and by the test
// suite, where "transport" is just channel hand-off between goroutines in
// the same process. It is grounded on the teacher's
// coordinator/internal/registry.Registry publish/subscribe idiom,
// generalized from a single event type to the bus's four message kinds.
type LocalBus struct {
	cmds  chan LoadZone
	notes chan any
	acks  chan InfoUpdateAck

	mu          sync.Mutex
	members     map[string]bool // reader -> connected
	answers     []ZoneUpdated   // retained for test/demo inspection
	infoUpdates map[string][]InfoUpdate

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus creates a LocalBus with the given channel buffering.
func NewLocalBus(buffer int) *LocalBus {
	return &LocalBus{
		cmds:    make(chan LoadZone, buffer),
		notes:   make(chan any, buffer),
		acks:    make(chan InfoUpdateAck, buffer),
		members: map[string]bool{},
		closed:  make(chan struct{}),
	}
}

// Commands implements Bus.
func (b *LocalBus) Commands() <-chan LoadZone { return b.cmds }

// Notifications implements Bus.
func (b *LocalBus) Notifications() <-chan any { return b.notes }

// Acks implements Bus.
func (b *LocalBus) Acks() <-chan InfoUpdateAck { return b.acks }

// PushLoadZone is how a local caller (CLI, test) injects a LoadZone command;
// the manager only ever reads from Commands().
func (b *LocalBus) PushLoadZone(ctx context.Context, lz LoadZone) error {
	select {
	case b.cmds <- lz:
		return nil
	case <-b.closed:
		return fmt.Errorf("bus: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushSubscribed registers reader as connected and enqueues the
// notification for the manager's event loop.
func (b *LocalBus) PushSubscribed(ctx context.Context, reader string) error {
	b.mu.Lock()
	b.members[reader] = true
	b.mu.Unlock()
	return b.pushNote(ctx, Subscribed{Reader: reader})
}

// PushUnsubscribed marks reader disconnected and enqueues the notification.
func (b *LocalBus) PushUnsubscribed(ctx context.Context, reader string) error {
	b.mu.Lock()
	b.members[reader] = false
	b.mu.Unlock()
	return b.pushNote(ctx, Unsubscribed{Reader: reader})
}

// PushZoneUpdateNotification enqueues an inbound zone_updated notification
// for the manager's event loop, as an external collaborator would deliver
// over a real transport.
func (b *LocalBus) PushZoneUpdateNotification(ctx context.Context, n ZoneUpdateNotification) error {
	return b.pushNote(ctx, n)
}

func (b *LocalBus) pushNote(ctx context.Context, n any) error {
	select {
	case b.notes <- n:
		return nil
	case <-b.closed:
		return fmt.Errorf("bus: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushAck is how a local reader stand-in acknowledges an InfoUpdate.
func (b *LocalBus) PushAck(ctx context.Context, a InfoUpdateAck) error {
	select {
	case b.acks <- a:
		return nil
	case <-b.closed:
		return fmt.Errorf("bus: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendInfoUpdate implements Bus. LocalBus records it synchronously in a
// per-reader list the test harness reads with InfoUpdatesFor; production
// buses would push it down a per-reader transport connection instead.
func (b *LocalBus) SendInfoUpdate(ctx context.Context, u InfoUpdate) error {
	select {
	case <-b.closed:
		return fmt.Errorf("bus: closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.infoUpdates == nil {
		b.infoUpdates = map[string][]InfoUpdate{}
	}
	b.infoUpdates[u.Reader] = append(b.infoUpdates[u.Reader], u)
	return nil
}

// Answer implements Bus, retaining the notification for inspection.
func (b *LocalBus) Answer(ctx context.Context, z ZoneUpdated) error {
	select {
	case <-b.closed:
		return fmt.Errorf("bus: closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	b.answers = append(b.answers, z)
	b.mu.Unlock()
	return nil
}

// Answers returns every ZoneUpdated notification observed so far, for test
// assertions.
func (b *LocalBus) Answers() []ZoneUpdated {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ZoneUpdated, len(b.answers))
	copy(out, b.answers)
	return out
}

// InfoUpdatesFor returns every InfoUpdate sent to reader so far, for test
// assertions.
func (b *LocalBus) InfoUpdatesFor(reader string) []InfoUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]InfoUpdate, len(b.infoUpdates[reader]))
	copy(out, b.infoUpdates[reader])
	return out
}

// Members implements Bus. For LocalBus the membership map is in-process and
// always available, but it is still wrapped in the same
// github.com/cenkalti/backoff/v5 retry policy a remote-backed Bus would
// need (grounded on the teacher's bird-adapter/service.go collaborator
// retry), so callers exercise one retry code path regardless of which Bus
// implementation is wired in.
func (b *LocalBus) Members(ctx context.Context) ([]Member, error) {
	op := func() ([]Member, error) {
		select {
		case <-b.closed:
			return nil, backoff.Permanent(fmt.Errorf("bus: closed"))
		default:
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		out := make([]Member, 0, len(b.members))
		for r, connected := range b.members {
			out = append(out, Member{Reader: r, Connected: connected})
		}
		return out, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
}

// Close implements Bus.
func (b *LocalBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		close(b.cmds)
		close(b.notes)
		close(b.acks)
	})
	return nil
}
