package wire

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the current handshake protocol version.
const ProtocolVersion uint16 = 1

// Kind identifies the message type. It is always encoded under key 1.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindHandshake
	KindHandshakeAck
	KindCommand
	KindAnswer
	KindPing
	KindPong
	KindClose
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "HANDSHAKE"
	case KindHandshakeAck:
		return "HANDSHAKE_ACK"
	case KindCommand:
		return "COMMAND"
	case KindAnswer:
		return "ANSWER"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// IsControl returns true for ping, pong and close.
func (k Kind) IsControl() bool {
	return k == KindPing || k == KindPong || k == KindClose
}

// Validation errors.
var (
	ErrMissingHostID   = errors.New("host id is required")
	ErrZeroSequence    = errors.New("sequence 0 is reserved")
	ErrWrongKind       = errors.New("unexpected message kind")
	ErrNegativeTimeout = errors.New("timeout must not be negative")
)

// Handshake is the first message an agent sends after connecting.
//
// CBOR encoding:
//
//	{
//	  1: kind,            // KindHandshake
//	  2: hostId,          // string
//	  3: dataCenterId,    // string
//	  4: hypervisorType,  // string
//	  5: version,         // uint16
//	  6: nonce,           // bytes
//	  7: proof,           // bytes (HMAC over host id and nonce)
//	  8: payload          // opaque agent details
//	}
type Handshake struct {
	Kind           Kind   `cbor:"1,keyasint"`
	HostID         string `cbor:"2,keyasint"`
	DataCenterID   string `cbor:"3,keyasint,omitempty"`
	HypervisorType string `cbor:"4,keyasint,omitempty"`
	Version        uint16 `cbor:"5,keyasint"`
	Nonce          []byte `cbor:"6,keyasint,omitempty"`
	Proof          []byte `cbor:"7,keyasint,omitempty"`
	Payload        []byte `cbor:"8,keyasint,omitempty"`
}

// Validate checks the handshake fields.
func (h *Handshake) Validate() error {
	if h.HostID == "" {
		return ErrMissingHostID
	}
	return nil
}

// HandshakeAck is the manager's reply to a Handshake.
type HandshakeAck struct {
	Kind     Kind   `cbor:"1,keyasint"`
	Accepted bool   `cbor:"2,keyasint"`
	Reason   string `cbor:"3,keyasint,omitempty"`
}

// Command is the envelope for one unit of work sent to a host.
//
// The Sequence is assigned by the sending side when the command is
// dispatched and is immutable afterwards. Timeout is an optional per-command
// override of the dispatcher default.
//
// CBOR encoding:
//
//	{
//	  1: kind,        // KindCommand
//	  2: sequence,    // uint64
//	  3: inSequence,  // bool
//	  4: timeout,     // int64 nanoseconds
//	  5: payload      // opaque
//	}
type Command struct {
	Kind       Kind          `cbor:"1,keyasint"`
	Sequence   uint64        `cbor:"2,keyasint"`
	InSequence bool          `cbor:"3,keyasint,omitempty"`
	Timeout    time.Duration `cbor:"4,keyasint,omitempty"`
	Payload    []byte        `cbor:"5,keyasint,omitempty"`
}

// NewCommand creates a command carrying payload.
func NewCommand(payload []byte) *Command {
	return &Command{Kind: KindCommand, Payload: payload}
}

// NewSequencedCommand creates a command that must execute in sequence.
func NewSequencedCommand(payload []byte) *Command {
	return &Command{Kind: KindCommand, InSequence: true, Payload: payload}
}

// Validate checks the command before it goes on the wire.
func (c *Command) Validate() error {
	if c.Sequence == 0 {
		return ErrZeroSequence
	}
	if c.Timeout < 0 {
		return ErrNegativeTimeout
	}
	return nil
}

// Answer is the reply to exactly one Command.
//
// CBOR encoding:
//
//	{
//	  1: kind,      // KindAnswer
//	  2: sequence,  // uint64, matches the command
//	  3: success,   // bool
//	  4: details,   // string
//	  5: payload    // opaque
//	}
type Answer struct {
	Kind     Kind   `cbor:"1,keyasint"`
	Sequence uint64 `cbor:"2,keyasint"`
	Success  bool   `cbor:"3,keyasint"`
	Details  string `cbor:"4,keyasint,omitempty"`
	Payload  []byte `cbor:"5,keyasint,omitempty"`
}

// NewAnswer creates an answer for the command with the given sequence.
func NewAnswer(seq uint64, success bool, payload []byte) *Answer {
	return &Answer{Kind: KindAnswer, Sequence: seq, Success: success, Payload: payload}
}

// Validate checks the answer.
func (a *Answer) Validate() error {
	if a.Sequence == 0 {
		return ErrZeroSequence
	}
	return nil
}

// ControlMessage is a ping, pong or close message.
type ControlMessage struct {
	Kind     Kind   `cbor:"1,keyasint"`
	Sequence uint32 `cbor:"2,keyasint,omitempty"`
}

// Validate checks that the message carries a control kind.
func (m *ControlMessage) Validate() error {
	if !m.Kind.IsControl() {
		return fmt.Errorf("%w: %s is not a control kind", ErrWrongKind, m.Kind)
	}
	return nil
}
