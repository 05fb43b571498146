package listener

import (
	"context"
	"strings"

	"github.com/fleetwire/fleetwire/pkg/wire"
)

// ConnectionListener observes agent connects and disconnects.
type ConnectionListener interface {
	// ProcessConnect is called after a valid handshake and before the host
	// is marked UP. A non-nil error rejects the connection.
	ProcessConnect(ctx context.Context, hostID string, hs *wire.Handshake) error

	// ProcessDisconnect is called after the host's pending commands have
	// been failed.
	ProcessDisconnect(hostID string, reason string)
}

// CommandListener observes command traffic.
type CommandListener interface {
	// ProcessCommand is called for commands originated by an agent.
	ProcessCommand(hostID string, cmd *wire.Command)

	// ProcessAnswer is called for every answer delivered to a waiter.
	ProcessAnswer(hostID string, ans *wire.Answer)

	// ProcessTimeout is called with the sequence numbers of commands that
	// expired without an answer.
	ProcessTimeout(hostID string, seqs []uint64)
}

// Interest is a set of event classes a listener subscribes to.
type Interest uint8

const (
	// InterestConnection requires ConnectionListener.
	InterestConnection Interest = 1 << iota

	// InterestCommand requires CommandListener.
	InterestCommand

	// InterestPriority orders the listener by Options.Priority ahead of
	// listeners without it.
	InterestPriority
)

// Has reports whether every flag in f is set.
func (i Interest) Has(f Interest) bool {
	return i&f == f
}

// String returns the set flags joined by "|".
func (i Interest) String() string {
	if i == 0 {
		return "NONE"
	}
	var parts []string
	if i.Has(InterestConnection) {
		parts = append(parts, "CONNECTION")
	}
	if i.Has(InterestCommand) {
		parts = append(parts, "COMMAND")
	}
	if i.Has(InterestPriority) {
		parts = append(parts, "PRIORITY")
	}
	return strings.Join(parts, "|")
}

// ConnectionFuncs adapts plain functions to ConnectionListener. Nil fields
// accept every connect and ignore disconnects.
type ConnectionFuncs struct {
	Connect    func(ctx context.Context, hostID string, hs *wire.Handshake) error
	Disconnect func(hostID string, reason string)
}

// ProcessConnect implements ConnectionListener.
func (f ConnectionFuncs) ProcessConnect(ctx context.Context, hostID string, hs *wire.Handshake) error {
	if f.Connect == nil {
		return nil
	}
	return f.Connect(ctx, hostID, hs)
}

// ProcessDisconnect implements ConnectionListener.
func (f ConnectionFuncs) ProcessDisconnect(hostID string, reason string) {
	if f.Disconnect != nil {
		f.Disconnect(hostID, reason)
	}
}

// CommandFuncs adapts plain functions to CommandListener.
type CommandFuncs struct {
	Command func(hostID string, cmd *wire.Command)
	Answer  func(hostID string, ans *wire.Answer)
	Timeout func(hostID string, seqs []uint64)
}

// ProcessCommand implements CommandListener.
func (f CommandFuncs) ProcessCommand(hostID string, cmd *wire.Command) {
	if f.Command != nil {
		f.Command(hostID, cmd)
	}
}

// ProcessAnswer implements CommandListener.
func (f CommandFuncs) ProcessAnswer(hostID string, ans *wire.Answer) {
	if f.Answer != nil {
		f.Answer(hostID, ans)
	}
}

// ProcessTimeout implements CommandListener.
func (f CommandFuncs) ProcessTimeout(hostID string, seqs []uint64) {
	if f.Timeout != nil {
		f.Timeout(hostID, seqs)
	}
}

var (
	_ ConnectionListener = ConnectionFuncs{}
	_ CommandListener    = CommandFuncs{}
)
