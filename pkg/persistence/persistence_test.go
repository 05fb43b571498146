package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/fleetwire/pkg/hoststate"
)

func sampleHost(id string, status hoststate.Status) hoststate.Host {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return hoststate.Host{ID: id, Status: status, LastSeen: at, Changed: at.Add(time.Minute)}
}

func TestFileStoreMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "none", "hosts.json"))
	hosts, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestFileStoreSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "hosts.json")
	s := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleHost("h2", hoststate.StatusDown)))
	require.NoError(t, s.Save(ctx, sampleHost("h1", hoststate.StatusUp)))
	require.NoError(t, s.Save(ctx, sampleHost("h2", hoststate.StatusDisconnected)))

	// A fresh store reads what the first wrote.
	hosts, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "h1", hosts[0].ID)
	assert.Equal(t, hoststate.StatusUp, hosts[0].Status)
	assert.True(t, hosts[0].LastSeen.Equal(sampleHost("h1", 0).LastSeen))
	assert.Equal(t, hoststate.StatusDisconnected, hosts[1].Status)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())
	hosts, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestFileStoreKeepsExistingRecordsOnFirstSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	ctx := context.Background()
	require.NoError(t, NewFileStore(path).Save(ctx, sampleHost("h1", hoststate.StatusDown)))

	require.NoError(t, NewFileStore(path).Save(ctx, sampleHost("h2", hoststate.StatusDown)))
	hosts, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, hosts, 2)
}

func TestFileStoreRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"garbage":        "{not json",
		"future version": `{"version": 9}`,
		"unknown status": `{"version": 1, "hosts": [{"host_id": "h1", "status": "SLEEPING"}]}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := NewFileStore(path).Load(context.Background())
			assert.Error(t, err)
		})
	}

	path := filepath.Join(dir, "status.json")
	require.NoError(t, os.WriteFile(path, []byte(tests["unknown status"]), 0o644))
	_, err := NewFileStore(path).Load(context.Background())
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "fleetwire.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreSaveLoad(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleHost("h2", hoststate.StatusAlert)))
	require.NoError(t, s.Save(ctx, sampleHost("h1", hoststate.StatusUp)))
	require.NoError(t, s.Save(ctx, hoststate.Host{ID: "h2", Status: hoststate.StatusRemoved}))

	hosts, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "h1", hosts[0].ID)
	assert.True(t, hosts[0].Changed.Equal(sampleHost("h1", 0).Changed))
	assert.Equal(t, hoststate.StatusRemoved, hosts[1].Status)
	assert.True(t, hosts[1].LastSeen.IsZero())
}

func TestSQLiteStoreHistory(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Now()

	steps := []hoststate.Transition{
		{HostID: "h1", Event: hoststate.EventHandshakeCompleted, From: hoststate.StatusConnecting, To: hoststate.StatusUp, At: base},
		{HostID: "h2", Event: hoststate.EventHandshakeCompleted, From: hoststate.StatusConnecting, To: hoststate.StatusUp, At: base},
		{HostID: "h1", Event: hoststate.EventPingMissed, From: hoststate.StatusUp, To: hoststate.StatusAlert, Misses: 3, At: base.Add(time.Second)},
		{HostID: "h1", Event: hoststate.EventAgentDisconnected, From: hoststate.StatusAlert, To: hoststate.StatusDown, At: base.Add(2 * time.Second)},
	}
	for _, tr := range steps {
		require.NoError(t, s.Append(ctx, tr))
	}

	all, err := s.History(ctx, "h1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "DOWN", all[0].To)
	assert.Equal(t, "ALERT", all[1].To)
	assert.Equal(t, 3, all[1].Misses)
	assert.Equal(t, "CONNECTING", all[2].From)

	last, err := s.History(ctx, "h1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "AGENT_DISCONNECTED", last[0].Event)
}

func TestSQLiteStoreClosed(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Save(ctx, sampleHost("h1", hoststate.StatusUp)), ErrStoreClosed)
	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestMirrorWritesChanges(t *testing.T) {
	s := openSQLite(t)
	m := hoststate.NewMachine(hoststate.DefaultConfig(), nil)
	mirror := NewMirror(s, m, nil)
	mirror.Install()
	require.NoError(t, mirror.Start(context.Background()))
	assert.ErrorIs(t, mirror.Start(context.Background()), ErrMirrorRunning)

	m.Track("h1")
	_, err := m.Fire("h1", hoststate.EventHandshakeCompleted)
	require.NoError(t, err)
	_, err = m.Fire("h1", hoststate.EventPingReceived)
	require.NoError(t, err)
	_, err = m.Fire("h1", hoststate.EventAgentDisconnected)
	require.NoError(t, err)
	mirror.Stop()

	hosts, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, hoststate.StatusDown, hosts[0].Status)

	// PING_RECEIVED on UP changes nothing and is not journaled.
	history, err := s.History(context.Background(), "h1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "DOWN", history[0].To)
	assert.Equal(t, "UP", history[1].To)

	saves, errs := mirror.Stats()
	assert.Positive(t, saves)
	assert.Zero(t, errs)
}

func TestMirrorRestoreMarksLiveHostsDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	ctx := context.Background()
	fs := NewFileStore(path)
	require.NoError(t, fs.Save(ctx, sampleHost("h1", hoststate.StatusUp)))
	require.NoError(t, fs.Save(ctx, sampleHost("h2", hoststate.StatusDisconnected)))

	m := hoststate.NewMachine(hoststate.DefaultConfig(), nil)
	n, err := NewMirror(NewFileStore(path), m, nil).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, _ := m.Status("h1")
	assert.Equal(t, hoststate.StatusDown, st)
	st, _ = m.Status("h2")
	assert.Equal(t, hoststate.StatusDisconnected, st)
}

// failingStore fails every save.
type failingStore struct {
	mu    sync.Mutex
	saved int
}

func (f *failingStore) Save(context.Context, hoststate.Host) error {
	f.mu.Lock()
	f.saved++
	f.mu.Unlock()
	return errors.New("disk full")
}

func (f *failingStore) Load(context.Context) ([]hoststate.Host, error) { return nil, nil }
func (f *failingStore) Close() error                                   { return nil }

func TestMirrorSyncReportsErrors(t *testing.T) {
	m := hoststate.NewMachine(hoststate.DefaultConfig(), nil)
	m.Track("h1")
	m.Track("h2")

	fs := &failingStore{}
	mirror := NewMirror(fs, m, nil)
	err := mirror.Sync(context.Background())
	assert.ErrorContains(t, err, "disk full")

	_, errs := mirror.Stats()
	assert.Equal(t, 2, errs)
	assert.Equal(t, 2, fs.saved)
}

func TestMirrorStopWithoutStartFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	fs := NewFileStore(path)
	m := hoststate.NewMachine(hoststate.DefaultConfig(), nil)
	mirror := NewMirror(fs, m, nil)
	mirror.Install()

	m.Track("h1")
	_, err := m.Fire("h1", hoststate.EventRemove)
	require.NoError(t, err)
	mirror.Stop()

	hosts, err := fs.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, hoststate.StatusRemoved, hosts[0].Status)
}
