package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for fleetwire messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for fleetwire messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient decoding so newer agents can add keys.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// PeekKind reads only key 1 of a message to determine its kind.
func PeekKind(data []byte) (Kind, error) {
	var peek struct {
		Kind Kind `cbor:"1,keyasint"`
	}
	if err := Unmarshal(data, &peek); err != nil {
		return KindUnknown, fmt.Errorf("failed to peek message: %w", err)
	}
	return peek.Kind, nil
}

// EncodeHandshake encodes a handshake message.
func EncodeHandshake(h *Handshake) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handshake: %w", err)
	}
	h.Kind = KindHandshake
	return Marshal(h)
}

// DecodeHandshake decodes and validates a handshake message.
func DecodeHandshake(data []byte) (*Handshake, error) {
	var h Handshake
	if err := Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode handshake: %w", err)
	}
	if h.Kind != KindHandshake {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongKind, h.Kind, KindHandshake)
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handshake: %w", err)
	}
	return &h, nil
}

// EncodeHandshakeAck encodes a handshake acknowledgement.
func EncodeHandshakeAck(ack *HandshakeAck) ([]byte, error) {
	ack.Kind = KindHandshakeAck
	return Marshal(ack)
}

// DecodeHandshakeAck decodes a handshake acknowledgement.
func DecodeHandshakeAck(data []byte) (*HandshakeAck, error) {
	var ack HandshakeAck
	if err := Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("failed to decode handshake ack: %w", err)
	}
	if ack.Kind != KindHandshakeAck {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongKind, ack.Kind, KindHandshakeAck)
	}
	return &ack, nil
}

// EncodeCommand encodes a command. The sequence must already be assigned.
func EncodeCommand(c *Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	c.Kind = KindCommand
	return Marshal(c)
}

// DecodeCommand decodes and validates a command.
func DecodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode command: %w", err)
	}
	if c.Kind != KindCommand {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongKind, c.Kind, KindCommand)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &c, nil
}

// EncodeAnswer encodes an answer.
func EncodeAnswer(a *Answer) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid answer: %w", err)
	}
	a.Kind = KindAnswer
	return Marshal(a)
}

// DecodeAnswer decodes and validates an answer.
func DecodeAnswer(data []byte) (*Answer, error) {
	var a Answer
	if err := Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode answer: %w", err)
	}
	if a.Kind != KindAnswer {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongKind, a.Kind, KindAnswer)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid answer: %w", err)
	}
	return &a, nil
}

// EncodeControlMessage encodes a control message (ping/pong/close).
func EncodeControlMessage(msg *ControlMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return Marshal(msg)
}

// DecodeControlMessage decodes a control message.
func DecodeControlMessage(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode control message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
