package log

import (
	"time"

	"github.com/fleetwire/fleetwire/pkg/wire"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the transport connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the peer address (IP:port). Key 6 is retired.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// HostID is the managed host (populated after handshake).
	HostID string `cbor:"8,keyasint,omitempty"`

	// DataCenterID is the host's data center (populated after handshake).
	DataCenterID string `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer: raw frames and keep-alive.
	LayerTransport Layer = 0
	// LayerDispatch covers commands, answers and host status.
	LayerDispatch Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerDispatch:
		return "DISPATCH"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message (command/answer/handshake).
	CategoryMessage Category = 0
	// CategoryControl indicates a control message (ping/pong/close).
	CategoryControl Category = 1
	// CategoryState indicates a connection or host status change.
	CategoryState Category = 2
	// CategoryError indicates a frame the dispatcher could not decode.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded envelope at the dispatch layer.
// Payloads are opaque and only their size is recorded.
type MessageEvent struct {
	// Kind of the envelope.
	Kind wire.Kind `cbor:"1,keyasint"`

	// Sequence of the command or answer (0 for handshakes).
	Sequence uint64 `cbor:"2,keyasint,omitempty"`

	// InSequence is set for commands flagged to execute in order.
	InSequence bool `cbor:"3,keyasint,omitempty"`

	// Success is the answer status.
	Success *bool `cbor:"4,keyasint,omitempty"`

	// PayloadSize is the opaque payload length in bytes.
	PayloadSize int `cbor:"5,keyasint,omitempty"`

	// Latency from command dispatch to answer (answers only).
	Latency *time.Duration `cbor:"6,keyasint,omitempty"`

	// Late is set when an answer arrived after its waiter resolved.
	Late bool `cbor:"7,keyasint,omitempty"`
}

// StateChangeEvent captures connection and host lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a transport connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntityHost indicates a host status transition.
	StateEntityHost StateEntity = 1
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityHost:
		return "HOST"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures transport-level control messages.
type ControlMsgEvent struct {
	// Type of control message.
	Type ControlMsgType `cbor:"1,keyasint"`

	// Sequence is the ping/pong sequence number.
	Sequence uint32 `cbor:"2,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	// ControlMsgPing indicates a ping message.
	ControlMsgPing ControlMsgType = 0
	// ControlMsgPong indicates a pong message.
	ControlMsgPong ControlMsgType = 1
	// ControlMsgClose indicates a close message.
	ControlMsgClose ControlMsgType = 2
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData describes a frame that was dropped because it could not
// be decoded.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context names the decode step that failed.
	Context string `cbor:"3,keyasint,omitempty"`
}

// NewCommandMessage builds a MessageEvent for a command envelope.
func NewCommandMessage(cmd *wire.Command) *MessageEvent {
	return &MessageEvent{
		Kind:        wire.KindCommand,
		Sequence:    cmd.Sequence,
		InSequence:  cmd.InSequence,
		PayloadSize: len(cmd.Payload),
	}
}

// NewAnswerMessage builds a MessageEvent for an answer envelope.
func NewAnswerMessage(ans *wire.Answer) *MessageEvent {
	success := ans.Success
	return &MessageEvent{
		Kind:        wire.KindAnswer,
		Sequence:    ans.Sequence,
		Success:     &success,
		PayloadSize: len(ans.Payload),
	}
}
