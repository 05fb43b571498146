package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fleetwire/fleetwire/pkg/hoststate"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// Store errors.
var (
	ErrUnknownStatus = errors.New("unknown host status")
	ErrStoreClosed   = errors.New("store closed")
)

// Store saves and loads host records.
type Store interface {
	Save(ctx context.Context, host hoststate.Host) error
	Load(ctx context.Context) ([]hoststate.Host, error)
	Close() error
}

// Journal records transitions.
type Journal interface {
	Append(ctx context.Context, tr hoststate.Transition) error
}

// HostRecord is the persisted form of a host.
type HostRecord struct {
	HostID   string    `json:"host_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen,omitzero"`
	Changed  time.Time `json:"changed,omitzero"`
}

// NewHostRecord converts a machine snapshot.
func NewHostRecord(h hoststate.Host) HostRecord {
	return HostRecord{
		HostID:   h.ID,
		Status:   h.Status.String(),
		LastSeen: h.LastSeen,
		Changed:  h.Changed,
	}
}

// Host converts the record back to a machine snapshot.
func (r HostRecord) Host() (hoststate.Host, error) {
	status, ok := hoststate.ParseStatus(r.Status)
	if !ok {
		return hoststate.Host{}, fmt.Errorf("%w: %q for host %s", ErrUnknownStatus, r.Status, r.HostID)
	}
	return hoststate.Host{
		ID:       r.HostID,
		Status:   status,
		LastSeen: r.LastSeen,
		Changed:  r.Changed,
	}, nil
}

// stateFile is the JSON document written by FileStore.
type stateFile struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"saved_at"`
	Hosts   []HostRecord `json:"hosts,omitempty"`
}

// FileStore keeps all host records in one JSON file. Every Save rewrites
// the file through a temporary file and a rename.
type FileStore struct {
	mu     sync.Mutex
	path   string
	hosts  map[string]HostRecord
	loaded bool
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, hosts: make(map[string]HostRecord)}
}

// Path returns the file path.
func (s *FileStore) Path() string {
	return s.path
}

// Save stores host and rewrites the file.
func (s *FileStore) Save(_ context.Context, host hoststate.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if _, err := s.readLocked(); err != nil {
			return err
		}
	}
	s.hosts[host.ID] = NewHostRecord(host)
	return s.writeLocked()
}

// Load returns every stored host. A missing file yields no hosts.
func (s *FileStore) Load(_ context.Context) ([]hoststate.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	hosts := make([]hoststate.Host, 0, len(records))
	for _, r := range records {
		h, err := r.Host()
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

// Clear removes the state file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hosts = make(map[string]HostRecord)
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileStore) readLocked() ([]HostRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if f.Version != StateVersion {
		return nil, fmt.Errorf("parse %s: unsupported version %d", s.path, f.Version)
	}

	s.hosts = make(map[string]HostRecord, len(f.Hosts))
	for _, r := range f.Hosts {
		s.hosts[r.HostID] = r
	}
	s.loaded = true
	return f.Hosts, nil
}

func (s *FileStore) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	f := stateFile{Version: StateVersion, SavedAt: time.Now()}
	for _, r := range s.hosts {
		f.Hosts = append(f.Hosts, r)
	}
	sort.Slice(f.Hosts, func(i, j int) bool { return f.Hosts[i].HostID < f.Hosts[j].HostID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

var _ Store = (*FileStore)(nil)
