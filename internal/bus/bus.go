// Package bus defines the control bus abstraction from SPEC_FULL.md §3/§13:
// the channel over which the manager exchanges loadzone commands, reader
// subscription notifications, info_update/info_update_ack pairs, and
// zone_updated notifications with the rest of the system.
//
// No wire format is fixed here: Bus is an interface so a real deployment
// can back it with whatever transport it already runs (the teacher pack
// uses gRPC elsewhere, but no .proto compiler is available in this
// environment, so no generated stub is fabricated — see DESIGN.md). The
// LocalBus implementation in this package is the in-process reference bus,
// grounded on the teacher's channel-based module registry pub/sub.
package bus

import (
	"context"

	"github.com/yodamaster/bundy/internal/segment"
)

// LoadZone is a request to build one zone (or, if ZoneName is empty, every
// zone) for a given (class, dataSource) pair.
type LoadZone struct {
	Class      string
	DataSource string
	ZoneName   string
}

// Subscribed is sent when a reader process announces itself to the bus.
type Subscribed struct {
	Reader string
}

// Unsubscribed is sent when a reader process disconnects or is reaped.
type Unsubscribed struct {
	Reader string
}

// ZoneUpdateNotification is the inbound zone_updated notification
// (SPEC_FULL.md §4.4/§6): an external collaborator (e.g. the real data
// source backing a class/dataSource pair) telling the manager a zone
// changed out from under it. It has the same effect as a LoadZone
// command, except that an unrecognized (class, dataSource) is tolerated
// rather than answered with an error (see handleZoneUpdateNotification).
type ZoneUpdateNotification struct {
	Class      string
	DataSource string
	Origin     string
}

// InfoUpdate tells a reader that a (class, dataSource) segment pair has new
// content to attach to, carrying the opaque reset parameters the reader
// should reattach with.
type InfoUpdate struct {
	Reader        string
	Class         string
	DataSource    string
	SegmentParams segment.ResetParam
}

// InfoUpdateAck is a reader's acknowledgment that it has finished switching
// to the segment named in the InfoUpdate it is acking.
type InfoUpdateAck struct {
	Reader     string
	Class      string
	DataSource string
}

// ZoneUpdated is broadcast once a build completes, independent of which (if
// any) readers still need an info_update, and also when a LoadZone command
// is rejected (with Err set); external consumers (CLIs, observability)
// subscribe to this without taking part in the sync protocol.
type ZoneUpdated struct {
	Class      string
	DataSource string
	ZoneName   string
	Err        string // empty on success
}

// Member describes one bus participant as returned by Members.
type Member struct {
	Reader    string
	Connected bool
}

// Bus is the control-plane channel the Manager drives its event loop from.
// Commands, Notifications, and Acks are receive-only: the manager selects
// across all three, plus its builder's Responses channel, in one loop.
type Bus interface {
	// Commands delivers incoming LoadZone requests.
	Commands() <-chan LoadZone
	// Notifications delivers Subscribed/Unsubscribed/ZoneUpdateNotification
	// events.
	Notifications() <-chan any
	// Acks delivers InfoUpdateAck events.
	Acks() <-chan InfoUpdateAck

	// SendInfoUpdate pushes an InfoUpdate to a specific reader.
	SendInfoUpdate(ctx context.Context, u InfoUpdate) error
	// Answer broadcasts a ZoneUpdated notification.
	Answer(ctx context.Context, z ZoneUpdated) error
	// Members returns the current roster as seen by the transport layer,
	// used to reconcile the manager's own roster against reality. It is
	// expected to be backed by a remote call in non-local deployments, so
	// the implementation carries its own retry policy (see LocalBus.Members
	// for the reference one); the manager calls it once and does not retry.
	Members(ctx context.Context) ([]Member, error)

	// Close releases the bus's resources. After Close, the channels
	// returned above are closed.
	Close() error
}
