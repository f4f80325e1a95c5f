// Package builder implements the dedicated build worker from
// SPEC_FULL.md §4.2/§14: a single goroutine that executes build commands
// against a writable Segment and reports completion back to the manager.
//
// The spec describes the cross-thread handoff as a mutex-and-condition-
// variable-guarded command/response queue pair plus a wake pipe (§3, §5).
// A Go channel pair already is that multiplexer — select blocks the
// manager exactly the way the wake pipe's poll/select would, and the
// channel's internal lock plays the role of the mutex+cond — so this is
// the idiomatic-Go rendering of that design, not a simplification of it.
// See DESIGN.md for this Open-Question resolution.
package builder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yodamaster/bundy/internal/segment"
	"github.com/yodamaster/bundy/internal/segmentinfo"
)

// Command is a build instruction sent to the builder. A Kind of
// segmentinfo.EventShutdown carries no other fields and asks the builder
// to exit.
type Command struct {
	Kind       segmentinfo.EventKind
	ZoneName   string
	Class      string
	DataSource string
	Segment    segment.Segment
	Replay     bool
}

// FromSegmentInfoCommand converts a segmentinfo.Command, as returned by the
// state machine, into a builder Command.
func FromSegmentInfoCommand(c segmentinfo.Command) Command {
	return Command{
		Kind:       c.Kind,
		ZoneName:   c.ZoneName,
		Class:      c.Class,
		DataSource: c.DataSource,
		Segment:    c.Segment,
		Replay:     c.Replay,
	}
}

// Response reports a builder command's outcome back to the manager.
type Response struct {
	Class      string
	DataSource string
	Replay     bool
	// Err is non-nil if the loader failed. Per SPEC_FULL.md §4.2/§7 the
	// state machine still advances on failure: the builder does not
	// retry, and a completion is always delivered.
	Err error
}

// Builder runs build commands against writable segments, one at a time, on
// a dedicated goroutine.
type Builder struct {
	loader segment.Loader
	cmds   chan Command
	resp   chan Response
	log    *zap.SugaredLogger
}

// New creates a Builder. cmdBuffer sizes the command channel; the manager
// never blocks sending shutdown since it is sent only once all other
// producers have stopped.
func New(loader segment.Loader, cmdBuffer int, log *zap.SugaredLogger) *Builder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Builder{
		loader: loader,
		cmds:   make(chan Command, cmdBuffer),
		resp:   make(chan Response, cmdBuffer),
		log:    log,
	}
}

// Commands returns the channel used to send build commands to the
// builder. The manager must hold no lock while sending.
func (b *Builder) Commands() chan<- Command {
	return b.cmds
}

// Responses returns the channel the manager multiplexes over to observe
// build completions.
func (b *Builder) Responses() <-chan Response {
	return b.resp
}

// Shutdown asks the builder to exit once it has drained any commands
// already queued ahead of this one.
func (b *Builder) Shutdown() {
	b.cmds <- Command{Kind: segmentinfo.EventShutdown}
}

// Run executes commands until a shutdown command is received or the
// command channel is closed. It deliberately does not select on ctx
// directly: the manager's loop is responsible for calling Shutdown once it
// observes ctx canceled, so a build already in flight runs to completion
// and any commands queued ahead of the shutdown are drained first, rather
// than abandoned. It is meant to be run on its own goroutine, typically
// under an errgroup alongside the manager's own Run loop.
func (b *Builder) Run(ctx context.Context) error {
	defer close(b.resp)

	for cmd := range b.cmds {
		if cmd.Kind == segmentinfo.EventShutdown {
			return nil
		}

		b.execute(ctx, cmd)
	}

	return nil
}

func (b *Builder) execute(ctx context.Context, cmd Command) {
	err := b.loader.Load(ctx, cmd.Segment, cmd.Class, cmd.DataSource, cmd.ZoneName)
	if err != nil {
		b.log.Errorw("zone load failed",
			zap.String("class", cmd.Class),
			zap.String("datasource", cmd.DataSource),
			zap.String("zone", cmd.ZoneName),
			zap.Error(err),
		)
	}

	b.resp <- Response{
		Class:      cmd.Class,
		DataSource: cmd.DataSource,
		Replay:     cmd.Replay,
		Err:        wrapLoadErr(err),
	}
}

func wrapLoadErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("builder failure: %w", err)
}
