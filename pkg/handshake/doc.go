// Package handshake authenticates agent handshakes with a shared cluster key.
//
// Each host proves knowledge of a per-host key derived from the cluster key
// with HKDF-SHA256. The proof is an HMAC-SHA256 over the host id, data
// center, hypervisor type and a fresh nonce. The manager checks it in a
// connection listener that runs before any other listener, so a bad proof
// vetoes the connection before the host is marked UP.
package handshake
