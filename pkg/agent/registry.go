package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fleetwire/fleetwire/pkg/log"
)

// Registry maps host ids to attaches. Lookups read an immutable snapshot;
// writers serialize on a mutex and publish a new map.
type Registry struct {
	logger *slog.Logger
	proto  log.Logger

	mu       sync.Mutex
	attaches atomic.Pointer[map[string]*Attache]
	loading  map[string]struct{}
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(logger *slog.Logger, proto log.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		logger:  logger,
		proto:   proto,
		loading: make(map[string]struct{}),
	}
	r.attaches.Store(&map[string]*Attache{})
	return r
}

// BeginLoading marks a handshake for hostID as in progress. It returns
// false if another handshake for the same host holds the marker.
func (r *Registry) BeginLoading(hostID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.loading[hostID]; busy {
		return false
	}
	r.loading[hostID] = struct{}{}
	return true
}

// EndLoading releases the handshake marker for hostID.
func (r *Registry) EndLoading(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, hostID)
}

// Register creates the attache for info.HostID. An existing attache is
// never replaced; the caller must Remove it first.
func (r *Registry) Register(info Info, link Link) (*Attache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.attaches.Load()
	if _, exists := old[info.HostID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAttacheExists, info.HostID)
	}

	a := newAttache(info, link, r.logger, r.proto)
	next := make(map[string]*Attache, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[info.HostID] = a
	r.attaches.Store(&next)

	r.logger.Debug("attache registered", "host_id", info.HostID, "dc_id", info.DataCenterID)
	return a, nil
}

// Lookup returns the attache of hostID.
func (r *Registry) Lookup(hostID string) (*Attache, bool) {
	a, ok := (*r.attaches.Load())[hostID]
	return a, ok
}

// Remove detaches the attache of hostID and fails all of its waiters.
// It returns false if there was none.
func (r *Registry) Remove(hostID string, cause error) bool {
	a, ok := r.Lookup(hostID)
	if !ok {
		return false
	}
	return r.RemoveAttache(a, cause)
}

// RemoveAttache detaches a only if it is still the registered attache of
// its host, so a late disconnect of a replaced connection cannot tear
// down its successor.
func (r *Registry) RemoveAttache(a *Attache, cause error) bool {
	r.mu.Lock()
	old := *r.attaches.Load()
	if cur, ok := old[a.info.HostID]; !ok || cur != a {
		r.mu.Unlock()
		return false
	}
	next := make(map[string]*Attache, len(old))
	for k, v := range old {
		if k != a.info.HostID {
			next[k] = v
		}
	}
	r.attaches.Store(&next)
	r.mu.Unlock()

	failed := a.Close(cause)
	r.logger.Debug("attache removed", "host_id", a.info.HostID, "failed_waiters", failed)
	return true
}

// Attaches returns all attaches ordered by host id.
func (r *Registry) Attaches() []*Attache {
	m := *r.attaches.Load()
	out := make([]*Attache, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].info.HostID < out[j].info.HostID })
	return out
}

// Len returns the number of attaches.
func (r *Registry) Len() int {
	return len(*r.attaches.Load())
}
