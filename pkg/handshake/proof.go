package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/fleetwire/fleetwire/pkg/wire"
)

// Sizes in bytes.
const (
	NonceSize     = 16
	HostKeySize   = 32
	MinClusterKey = 16
)

// hostKeyInfo is the HKDF info prefix for per-host keys.
const hostKeyInfo = "fleetwire host key v1 "

// Proof errors.
var (
	ErrShortClusterKey = errors.New("cluster key too short")
	ErrMissingProof    = errors.New("handshake carries no proof")
	ErrBadNonce        = errors.New("handshake nonce has wrong size")
	ErrBadProof        = errors.New("handshake proof does not verify")
	ErrReplayedNonce   = errors.New("handshake nonce already used")
)

// ParseClusterKey decodes a hex encoded cluster key.
func ParseClusterKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode cluster key: %w", err)
	}
	if len(key) < MinClusterKey {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrShortClusterKey, len(key), MinClusterKey)
	}
	return key, nil
}

// DeriveHostKey derives the key of hostID from the cluster key.
func DeriveHostKey(clusterKey []byte, hostID string) ([]byte, error) {
	if len(clusterKey) < MinClusterKey {
		return nil, ErrShortClusterKey
	}
	r := hkdf.New(sha256.New, clusterKey, nil, []byte(hostKeyInfo+hostID))
	key := make([]byte, HostKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive host key: %w", err)
	}
	return key, nil
}

// mac computes the proof of hs with hostKey. Fields are length-prefixed so
// that no two handshakes share an input.
func mac(hostKey []byte, hs *wire.Handshake) []byte {
	h := hmac.New(sha256.New, hostKey)
	for _, field := range [][]byte{
		[]byte(hs.HostID),
		[]byte(hs.DataCenterID),
		[]byte(hs.HypervisorType),
		hs.Nonce,
	} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return h.Sum(nil)
}

// Sign fills in a fresh nonce and the proof of hs.
func Sign(hs *wire.Handshake, clusterKey []byte) error {
	hostKey, err := DeriveHostKey(clusterKey, hs.HostID)
	if err != nil {
		return err
	}
	hs.Nonce = make([]byte, NonceSize)
	if _, err := rand.Read(hs.Nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	hs.Proof = mac(hostKey, hs)
	return nil
}

// Verify checks the proof of hs against the cluster key.
func Verify(hs *wire.Handshake, clusterKey []byte) error {
	if len(hs.Proof) == 0 {
		return ErrMissingProof
	}
	if len(hs.Nonce) != NonceSize {
		return fmt.Errorf("%w: %d", ErrBadNonce, len(hs.Nonce))
	}
	hostKey, err := DeriveHostKey(clusterKey, hs.HostID)
	if err != nil {
		return err
	}
	if !hmac.Equal(mac(hostKey, hs), hs.Proof) {
		return ErrBadProof
	}
	return nil
}
