package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/fleetwire/fleetwire/pkg/hoststate"
)

// ErrMirrorRunning is returned by Start on a running mirror.
var ErrMirrorRunning = errors.New("mirror already running")

// Mirror writes host status changes to a Store in the background. The
// transition hook only queues work so it never blocks the state machine.
type Mirror struct {
	store   Store
	machine *hoststate.Machine
	logger  *slog.Logger

	mu      sync.Mutex
	dirty   map[string]struct{}
	journal []hoststate.Transition
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	saves   int
	errs    int
}

// NewMirror creates a mirror. A nil logger disables logging.
func NewMirror(store Store, machine *hoststate.Machine, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mirror{
		store:   store,
		machine: machine,
		logger:  logger,
		dirty:   make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Install registers the mirror's hook on the machine.
func (m *Mirror) Install() {
	m.machine.OnTransition(m.observe)
}

func (m *Mirror) observe(tr hoststate.Transition) {
	if !tr.Changed() {
		return
	}
	m.mu.Lock()
	m.dirty[tr.HostID] = struct{}{}
	if _, ok := m.store.(Journal); ok {
		m.journal = append(m.journal, tr)
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Restore loads saved hosts into the machine.
func (m *Mirror) Restore(ctx context.Context) (int, error) {
	hosts, err := m.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	m.machine.Restore(hosts)
	return len(hosts), nil
}

// Start runs the write loop until Stop or ctx is done.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return ErrMirrorRunning
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	return nil
}

func (m *Mirror) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.flush(ctx)
		}
	}
}

// Stop ends the write loop and flushes pending changes.
func (m *Mirror) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.flush(context.Background())
}

// flush writes every queued host and journal entry.
func (m *Mirror) flush(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.dirty = make(map[string]struct{})
	journal := m.journal
	m.journal = nil
	m.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		h, ok := m.machine.Host(id)
		if !ok {
			continue
		}
		m.record(m.store.Save(ctx, h), "save host", id)
	}
	if j, ok := m.store.(Journal); ok {
		for _, tr := range journal {
			m.record(j.Append(ctx, tr), "journal transition", tr.HostID)
		}
	}
}

func (m *Mirror) record(err error, op, hostID string) {
	m.mu.Lock()
	if err != nil {
		m.errs++
	} else {
		m.saves++
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("persistence "+op+" failed", "host_id", hostID, "error", err)
	}
}

// Sync writes every tracked host immediately.
func (m *Mirror) Sync(ctx context.Context) error {
	var errs []error
	for _, h := range m.machine.Hosts() {
		err := m.store.Save(ctx, h)
		m.record(err, "save host", h.ID)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns the number of successful and failed writes.
func (m *Mirror) Stats() (saves, errs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves, m.errs
}
