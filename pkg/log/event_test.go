package log

import (
	"testing"
	"time"

	"github.com/fleetwire/fleetwire/pkg/wire"
)

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"direction in", DirectionIn.String(), "IN"},
		{"direction out", DirectionOut.String(), "OUT"},
		{"direction unknown", Direction(9).String(), "UNKNOWN"},
		{"layer transport", LayerTransport.String(), "TRANSPORT"},
		{"layer dispatch", LayerDispatch.String(), "DISPATCH"},
		{"category state", CategoryState.String(), "STATE"},
		{"layer unknown", Layer(1).String(), "UNKNOWN"},
		{"category error", CategoryError.String(), "ERROR"},
		{"entity host", StateEntityHost.String(), "HOST"},
		{"entity unknown", StateEntity(2).String(), "UNKNOWN"},
		{"ctrl pong", ControlMsgPong.String(), "PONG"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestEventEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	latency := 40 * time.Millisecond
	ans := wire.NewAnswer(12, true, []byte("ok"))
	msg := NewAnswerMessage(ans)
	msg.Latency = &latency

	event := Event{
		Timestamp:    ts,
		ConnectionID: "conn-1",
		Direction:    DirectionIn,
		Layer:        LayerDispatch,
		Category:     CategoryMessage,
		HostID:       "host-1",
		Message:      msg,
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v (nanoseconds must survive)", decoded.Timestamp, ts)
	}
	if decoded.Message == nil {
		t.Fatal("Message missing after decode")
	}
	if decoded.Message.Sequence != 12 || decoded.Message.Kind != wire.KindAnswer {
		t.Errorf("Message = %+v", decoded.Message)
	}
	if decoded.Message.Success == nil || !*decoded.Message.Success {
		t.Error("Success flag lost")
	}
	if decoded.Message.Latency == nil || *decoded.Message.Latency != latency {
		t.Error("Latency lost")
	}
}

func TestNewCommandMessage(t *testing.T) {
	cmd := wire.NewSequencedCommand([]byte("abcd"))
	cmd.Sequence = 3

	msg := NewCommandMessage(cmd)
	if msg.Kind != wire.KindCommand || msg.Sequence != 3 || !msg.InSequence || msg.PayloadSize != 4 {
		t.Errorf("NewCommandMessage = %+v", msg)
	}
}

func TestEmit(t *testing.T) {
	// Nil logger is a no-op.
	Emit(nil, Event{})

	var got []Event
	Emit(LoggerFunc(func(e Event) { got = append(got, e) }), Event{HostID: "h"})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Emit should stamp a missing timestamp")
	}
}
