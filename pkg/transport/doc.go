// Package transport carries fleetwire frames between the manager and its
// host agents.
//
// The transport layer handles:
//   - TCP connections, optionally wrapped in TLS 1.3 with mutual authentication
//   - Length-prefixed message framing
//   - Keep-alive ping/pong with per-miss reporting
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│  CBOR envelopes (pkg/wire)     │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│     TLS 1.3 (optional)         │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # Keep-Alive
//
// The manager pings every agent connection. Each missed pong is reported
// to the server's OnPingMissed callback with the running miss count, and
// each pong to OnPong; escalation policy lives in the host state machine.
// Agents run their own keep-alive against the manager and drop the
// connection after MaxMissedPongs.
package transport
