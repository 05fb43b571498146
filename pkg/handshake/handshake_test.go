package handshake

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/fleetwire/pkg/listener"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

var testClusterKey = bytes.Repeat([]byte{0x42}, 32)

func signed(t *testing.T, hostID string) *wire.Handshake {
	t.Helper()
	hs := &wire.Handshake{Kind: wire.KindHandshake, HostID: hostID, DataCenterID: "dc1", HypervisorType: "kvm"}
	require.NoError(t, Sign(hs, testClusterKey))
	return hs
}

func TestParseClusterKey(t *testing.T) {
	key, err := ParseClusterKey(" " + hex.EncodeToString(testClusterKey) + "\n")
	require.NoError(t, err)
	assert.Equal(t, testClusterKey, key)

	_, err = ParseClusterKey("abcd")
	assert.ErrorIs(t, err, ErrShortClusterKey)

	_, err = ParseClusterKey("not hex")
	assert.Error(t, err)
}

func TestDeriveHostKeyIsPerHost(t *testing.T) {
	k1, err := DeriveHostKey(testClusterKey, "h1")
	require.NoError(t, err)
	k1again, err := DeriveHostKey(testClusterKey, "h1")
	require.NoError(t, err)
	k2, err := DeriveHostKey(testClusterKey, "h2")
	require.NoError(t, err)

	assert.Len(t, k1, HostKeySize)
	assert.Equal(t, k1, k1again)
	assert.NotEqual(t, k1, k2)

	_, err = DeriveHostKey([]byte("short"), "h1")
	assert.ErrorIs(t, err, ErrShortClusterKey)
}

func TestSignThenVerify(t *testing.T) {
	hs := signed(t, "h1")
	assert.Len(t, hs.Nonce, NonceSize)
	require.NoError(t, Verify(hs, testClusterKey))

	// Signing twice uses a fresh nonce.
	other := signed(t, "h1")
	assert.NotEqual(t, hs.Nonce, other.Nonce)
}

func TestVerifyRejectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(hs *wire.Handshake)
		want   error
	}{
		{"no proof", func(hs *wire.Handshake) { hs.Proof = nil }, ErrMissingProof},
		{"short nonce", func(hs *wire.Handshake) { hs.Nonce = hs.Nonce[:4] }, ErrBadNonce},
		{"other host", func(hs *wire.Handshake) { hs.HostID = "h2" }, ErrBadProof},
		{"other data center", func(hs *wire.Handshake) { hs.DataCenterID = "dc2" }, ErrBadProof},
		{"flipped proof bit", func(hs *wire.Handshake) { hs.Proof[0] ^= 1 }, ErrBadProof},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := signed(t, "h1")
			tt.mutate(hs)
			assert.ErrorIs(t, Verify(hs, testClusterKey), tt.want)
		})
	}

	hs := signed(t, "h1")
	assert.ErrorIs(t, Verify(hs, bytes.Repeat([]byte{0x43}, 32)), ErrBadProof)
}

func TestVerifierRejectsReplay(t *testing.T) {
	v, err := NewVerifier(testClusterKey, time.Minute, nil)
	require.NoError(t, err)
	now := time.Now()
	v.now = func() time.Time { return now }

	hs := signed(t, "h1")
	require.NoError(t, v.ProcessConnect(context.Background(), "h1", hs))
	assert.ErrorIs(t, v.ProcessConnect(context.Background(), "h1", hs), ErrReplayedNonce)

	// Outside the window the nonce is forgotten.
	now = now.Add(2 * time.Minute)
	assert.NoError(t, v.ProcessConnect(context.Background(), "h1", hs))
}

func TestVerifierVetoesThroughRegistry(t *testing.T) {
	v, err := NewVerifier(testClusterKey, 0, nil)
	require.NoError(t, err)
	reg := listener.NewRegistry(listener.DefaultConfig(), nil)
	_, err = v.Install(reg)
	require.NoError(t, err)

	require.NoError(t, reg.NotifyConnect(context.Background(), "h1", signed(t, "h1")))

	forged := signed(t, "h1")
	forged.HostID = "h9"
	err = reg.NotifyConnect(context.Background(), "h9", forged)
	assert.ErrorIs(t, err, listener.ErrConnectRejected)
	assert.ErrorIs(t, err, ErrBadProof)
}

func TestNewVerifierNeedsKey(t *testing.T) {
	_, err := NewVerifier(nil, 0, nil)
	assert.ErrorIs(t, err, ErrShortClusterKey)
}
