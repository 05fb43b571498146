// Package wire defines the CBOR envelopes exchanged between the manager and
// host agents.
//
// Every message is a CBOR map with integer keys. Key 1 always carries the
// message Kind so a receiver can route a frame with PeekKind before decoding
// it fully.
//
// # Message Kinds
//
//   - Handshake / HandshakeAck: first exchange on a new connection
//   - Command: opaque payload plus sequence number and ordering flag
//   - Answer: correlates to exactly one command sequence number
//   - Ping / Pong / Close: connection control
//
// Command and Answer payloads are opaque byte strings. This package never
// interprets them.
package wire
