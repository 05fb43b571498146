package hoststate

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Defaults for ping-miss escalation.
const (
	DefaultAlertAfterMisses = 1
	DefaultDownAfterMisses  = 3
)

// State machine errors.
var (
	ErrInvalidTransition = errors.New("invalid host transition")
	ErrUnknownHost       = errors.New("unknown host")
	ErrInvalidConfig     = errors.New("invalid host state config")
)

// Config holds escalation thresholds.
type Config struct {
	// AlertAfterMisses is the number of consecutive missed pings that moves
	// an UP host to ALERT.
	AlertAfterMisses int

	// DownAfterMisses is the number of consecutive missed pings that moves
	// an ALERT host to DOWN.
	DownAfterMisses int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		AlertAfterMisses: DefaultAlertAfterMisses,
		DownAfterMisses:  DefaultDownAfterMisses,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.AlertAfterMisses < 1 {
		return fmt.Errorf("%w: alert threshold %d < 1", ErrInvalidConfig, c.AlertAfterMisses)
	}
	if c.DownAfterMisses <= c.AlertAfterMisses {
		return fmt.Errorf("%w: down threshold %d must exceed alert threshold %d",
			ErrInvalidConfig, c.DownAfterMisses, c.AlertAfterMisses)
	}
	return nil
}

// Host is a snapshot of one tracked host.
type Host struct {
	ID       string
	Status   Status
	LastSeen time.Time
	Misses   int
	Changed  time.Time
}

// Transition describes one applied event.
type Transition struct {
	HostID string
	Event  Event
	From   Status
	To     Status
	Misses int
	At     time.Time
}

// Changed reports whether the status differs after the event.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// edge resolves the target status. It runs after the event's counters have
// been applied to h.
type edge func(h *Host, cfg Config) Status

func to(s Status) edge {
	return func(*Host, Config) Status { return s }
}

var edges = map[Status]map[Event]edge{
	StatusConnecting: {
		EventHandshakeCompleted: to(StatusUp),
		EventAgentDisconnected:  to(StatusDown),
		EventRemove:             to(StatusRemoved),
	},
	StatusUp: {
		EventPingReceived: to(StatusUp),
		EventPingMissed: func(h *Host, cfg Config) Status {
			if h.Misses >= cfg.AlertAfterMisses {
				return StatusAlert
			}
			return StatusUp
		},
		EventAgentDisconnected: to(StatusDown),
		EventAdminDisable:      to(StatusDisconnected),
	},
	StatusAlert: {
		EventPingReceived: to(StatusUp),
		EventPingMissed: func(h *Host, cfg Config) Status {
			if h.Misses >= cfg.DownAfterMisses {
				return StatusDown
			}
			return StatusAlert
		},
		EventAgentDisconnected: to(StatusDown),
		EventAdminDisable:      to(StatusDisconnected),
		EventRemove:            to(StatusRemoved),
	},
	StatusDown: {
		EventHandshakeCompleted: to(StatusUp),
		EventAgentDisconnected:  to(StatusDown),
		EventRemove:             to(StatusRemoved),
	},
	StatusDisconnected: {
		EventAdminEnable:       to(StatusConnecting),
		EventAgentDisconnected: to(StatusDisconnected),
		EventRemove:            to(StatusRemoved),
	},
}

// Machine owns the status of every host.
type Machine struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	hosts map[string]*Host
	hooks []func(Transition)
}

// NewMachine creates a state machine. A nil logger disables logging;
// invalid thresholds fall back to the defaults.
func NewMachine(config Config, logger *slog.Logger) *Machine {
	if config.Validate() != nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Machine{
		config: config,
		logger: logger,
		now:    time.Now,
		hosts:  make(map[string]*Host),
	}
}

// Config returns the active thresholds.
func (m *Machine) Config() Config {
	return m.config
}

// OnTransition registers a hook called after every applied event, including
// events that leave the status unchanged. Hooks run outside the machine lock
// and must not block.
func (m *Machine) OnTransition(hook func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Track starts tracking hostID in CONNECTING if it is unknown and returns
// the current record.
func (m *Machine) Track(hostID string) Host {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hosts[hostID]
	if !ok {
		now := m.now()
		h = &Host{ID: hostID, Status: StatusConnecting, Changed: now}
		m.hosts[hostID] = h
		m.logger.Debug("tracking host", "host_id", hostID)
	}
	return *h
}

// Restore seeds hosts loaded from persistence. A host that was live when
// the state was saved cannot still be connected, so UP, ALERT and
// CONNECTING come back as DOWN.
func (m *Machine) Restore(hosts []Host) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range hosts {
		h := h
		switch h.Status {
		case StatusUp, StatusAlert, StatusConnecting:
			h.Status = StatusDown
		}
		h.Misses = 0
		m.hosts[h.ID] = &h
	}
	m.logger.Info("restored host state", "hosts", len(hosts))
}

// Can reports whether event has an edge from hostID's current status.
func (m *Machine) Can(hostID string, event Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hosts[hostID]
	if !ok {
		return false
	}
	_, ok = edges[h.Status][event]
	return ok
}

// Fire applies event to hostID. It returns ErrUnknownHost for untracked
// hosts and ErrInvalidTransition when the current status has no edge for
// the event; in both cases nothing changes.
func (m *Machine) Fire(hostID string, event Event) (Transition, error) {
	m.mu.Lock()

	h, ok := m.hosts[hostID]
	if !ok {
		m.mu.Unlock()
		return Transition{}, fmt.Errorf("%w: %s", ErrUnknownHost, hostID)
	}

	resolve, ok := edges[h.Status][event]
	if !ok {
		from := h.Status
		m.mu.Unlock()
		m.logger.Warn("rejected host transition",
			"host_id", hostID, "status", from, "event", event)
		return Transition{HostID: hostID, Event: event, From: from, To: from},
			fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}

	now := m.now()
	switch event {
	case EventPingReceived, EventHandshakeCompleted:
		h.Misses = 0
		h.LastSeen = now
	case EventPingMissed:
		h.Misses++
	}

	from := h.Status
	h.Status = resolve(h, m.config)
	if !h.Status.IsUp() {
		h.Misses = 0
	}
	if h.Status != from {
		h.Changed = now
	}

	tr := Transition{
		HostID: hostID,
		Event:  event,
		From:   from,
		To:     h.Status,
		Misses: h.Misses,
		At:     now,
	}
	hooks := m.hooks
	m.mu.Unlock()

	if tr.Changed() {
		m.logger.Info("host transition",
			"host_id", hostID, "from", tr.From, "to", tr.To, "event", event)
	}
	for _, hook := range hooks {
		hook(tr)
	}
	return tr, nil
}

// Status returns the current status of hostID.
func (m *Machine) Status(hostID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hosts[hostID]
	if !ok {
		return 0, false
	}
	return h.Status, true
}

// Host returns a snapshot of hostID.
func (m *Machine) Host(hostID string) (Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hosts[hostID]
	if !ok {
		return Host{}, false
	}
	return *h, true
}

// Hosts returns snapshots of all hosts ordered by id.
func (m *Machine) Hosts() []Host {
	m.mu.RLock()
	out := make([]Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, *h)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
