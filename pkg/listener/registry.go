package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwire/fleetwire/pkg/wire"
)

// DefaultTimeout bounds a listener callback when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Registry errors.
var (
	ErrNilListener       = errors.New("listener is nil")
	ErrNoInterest        = errors.New("listener has no interest flags")
	ErrMissingCapability = errors.New("listener does not implement the interface its interest requires")
	ErrConnectRejected   = errors.New("connection rejected by listener")
	ErrListenerTimeout   = errors.New("listener timed out")
	ErrListenerPanic     = errors.New("listener panicked")
)

// ID identifies a registration.
type ID uint64

// Options describe a registration.
type Options struct {
	// Name labels the listener in logs and metrics.
	Name string

	// Priority orders InterestPriority listeners; lower runs first.
	Priority int

	// Interest selects the notifications delivered.
	Interest Interest

	// Recurring keeps the registration after its first invocation.
	Recurring bool

	// Timeout bounds each callback. Zero uses the registry default;
	// negative waits forever.
	Timeout time.Duration
}

// Registration is one entry of a snapshot.
type Registration struct {
	ID       ID
	Options  Options
	Listener any

	fired atomic.Bool
}

// Config configures a Registry.
type Config struct {
	// DefaultTimeout applies to registrations with a zero Timeout.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{DefaultTimeout: DefaultTimeout}
}

// Registry holds listener registrations.
type Registry struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	nextID ID
	snap   atomic.Pointer[[]*Registration]
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(config Config, logger *slog.Logger) *Registry {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{config: config, logger: logger}
	r.snap.Store(&[]*Registration{})
	return r
}

// Register adds a listener. The listener must implement the interface of
// every interest flag it sets.
func (r *Registry) Register(l any, opts Options) (ID, error) {
	if l == nil {
		return 0, ErrNilListener
	}
	if !opts.Interest.Has(InterestConnection) && !opts.Interest.Has(InterestCommand) {
		return 0, ErrNoInterest
	}
	if opts.Interest.Has(InterestConnection) {
		if _, ok := l.(ConnectionListener); !ok {
			return 0, fmt.Errorf("%w: %q wants CONNECTION", ErrMissingCapability, opts.Name)
		}
	}
	if opts.Interest.Has(InterestCommand) {
		if _, ok := l.(CommandListener); !ok {
			return 0, fmt.Errorf("%w: %q wants COMMAND", ErrMissingCapability, opts.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	reg := &Registration{ID: r.nextID, Options: opts, Listener: l}

	old := *r.snap.Load()
	next := make([]*Registration, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, reg)
	sortRegistrations(next)
	r.snap.Store(&next)

	r.logger.Debug("listener registered",
		"id", reg.ID, "name", opts.Name, "interest", opts.Interest, "priority", opts.Priority)
	return reg.ID, nil
}

// Unregister removes a registration. It returns false if id is unknown.
func (r *Registry) Unregister(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.snap.Load()
	next := make([]*Registration, 0, len(old))
	found := false
	for _, reg := range old {
		if reg.ID == id {
			found = true
			continue
		}
		next = append(next, reg)
	}
	if found {
		r.snap.Store(&next)
	}
	return found
}

// Snapshot returns the current registrations in dispatch order. The slice
// must not be modified.
func (r *Registry) Snapshot() []*Registration {
	return *r.snap.Load()
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	return len(*r.snap.Load())
}

func sortRegistrations(regs []*Registration) {
	sort.SliceStable(regs, func(i, j int) bool {
		a, b := regs[i], regs[j]
		ap, bp := a.Options.Interest.Has(InterestPriority), b.Options.Interest.Has(InterestPriority)
		if ap != bp {
			return ap
		}
		if ap && a.Options.Priority != b.Options.Priority {
			return a.Options.Priority < b.Options.Priority
		}
		return a.ID < b.ID
	})
}

// claim reports whether reg may run now. A one-shot registration is claimed
// by exactly one notification and then removed.
func (r *Registry) claim(reg *Registration) bool {
	if reg.Options.Recurring {
		return true
	}
	if !reg.fired.CompareAndSwap(false, true) {
		return false
	}
	r.Unregister(reg.ID)
	return true
}

func (r *Registry) timeout(reg *Registration) time.Duration {
	switch {
	case reg.Options.Timeout < 0:
		return 0
	case reg.Options.Timeout == 0:
		return r.config.DefaultTimeout
	default:
		return reg.Options.Timeout
	}
}

// invoke runs fn with panic recovery and the registration's timeout. On
// timeout the callback keeps running in the background; its result is
// discarded.
func (r *Registry) invoke(ctx context.Context, reg *Registration, fn func(ctx context.Context) error) error {
	limit := r.timeout(reg)
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%w: %v", ErrListenerPanic, p)
			}
		}()
		done <- fn(ctx)
	}()

	if limit <= 0 {
		return <-done
	}

	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrListenerTimeout, limit)
	}
}

// NotifyConnect asks every connection listener to accept hostID. The first
// rejection stops the walk and is returned wrapped in ErrConnectRejected.
func (r *Registry) NotifyConnect(ctx context.Context, hostID string, hs *wire.Handshake) error {
	for _, reg := range r.Snapshot() {
		if !reg.Options.Interest.Has(InterestConnection) || !r.claim(reg) {
			continue
		}
		l := reg.Listener.(ConnectionListener)

		err := r.invoke(ctx, reg, func(ctx context.Context) error {
			return l.ProcessConnect(ctx, hostID, hs)
		})
		if err != nil {
			r.logger.Warn("connection vetoed",
				"host_id", hostID, "listener", reg.Options.Name, "error", err)
			return fmt.Errorf("%w: %s: %w", ErrConnectRejected, reg.Options.Name, err)
		}
	}
	return nil
}

// notify runs fn for every registration with interest, logging failures.
func (r *Registry) notify(event string, hostID string, interest Interest, fn func(reg *Registration)) {
	for _, reg := range r.Snapshot() {
		if !reg.Options.Interest.Has(interest) || !r.claim(reg) {
			continue
		}
		err := r.invoke(context.Background(), reg, func(context.Context) error {
			fn(reg)
			return nil
		})
		if err != nil {
			r.logger.Warn("listener failed",
				"event", event, "host_id", hostID, "listener", reg.Options.Name, "error", err)
		}
	}
}

// NotifyDisconnect tells connection listeners that hostID went away.
func (r *Registry) NotifyDisconnect(hostID string, reason string) {
	r.notify("disconnect", hostID, InterestConnection, func(reg *Registration) {
		reg.Listener.(ConnectionListener).ProcessDisconnect(hostID, reason)
	})
}

// NotifyCommand delivers an agent-originated command.
func (r *Registry) NotifyCommand(hostID string, cmd *wire.Command) {
	r.notify("command", hostID, InterestCommand, func(reg *Registration) {
		reg.Listener.(CommandListener).ProcessCommand(hostID, cmd)
	})
}

// NotifyAnswer delivers an answer that resolved a waiter.
func (r *Registry) NotifyAnswer(hostID string, ans *wire.Answer) {
	r.notify("answer", hostID, InterestCommand, func(reg *Registration) {
		reg.Listener.(CommandListener).ProcessAnswer(hostID, ans)
	})
}

// NotifyTimeout delivers the sequences of expired commands.
func (r *Registry) NotifyTimeout(hostID string, seqs []uint64) {
	r.notify("timeout", hostID, InterestCommand, func(reg *Registration) {
		reg.Listener.(CommandListener).ProcessTimeout(hostID, seqs)
	})
}
