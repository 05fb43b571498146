package hoststate

// Status is the connection status of a host.
type Status uint8

const (
	StatusConnecting Status = iota
	StatusUp
	StatusAlert
	StatusDown
	StatusDisconnected
	StatusRemoved
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusUp:
		return "UP"
	case StatusAlert:
		return "ALERT"
	case StatusDown:
		return "DOWN"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// IsUp reports whether commands may be sent to a host in this status.
func (s Status) IsUp() bool {
	return s == StatusUp || s == StatusAlert
}

// ParseStatus is the inverse of String. It is used when loading persisted state.
func ParseStatus(name string) (Status, bool) {
	for s := StatusConnecting; s <= StatusRemoved; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// Event is an input to the state machine.
type Event uint8

const (
	EventHandshakeCompleted Event = iota
	EventPingReceived
	EventPingMissed
	EventAgentDisconnected
	EventAdminDisable
	EventAdminEnable
	EventRemove
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventHandshakeCompleted:
		return "HANDSHAKE_COMPLETED"
	case EventPingReceived:
		return "PING_RECEIVED"
	case EventPingMissed:
		return "PING_MISSED"
	case EventAgentDisconnected:
		return "AGENT_DISCONNECTED"
	case EventAdminDisable:
		return "ADMIN_DISABLE"
	case EventAdminEnable:
		return "ADMIN_ENABLE"
	case EventRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}
