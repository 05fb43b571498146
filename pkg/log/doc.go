// Package log provides structured protocol capture for fleetwire.
//
// This package defines the Logger interface and Event types for recording
// what crosses the manager/agent boundary: raw frames, decoded command and
// answer envelopes, control messages, and host state changes. It is separate
// from operational logging (slog). The capture is a machine-readable trace
// that can be replayed with Reader and the fleetwire-trace command.
//
// # Basic Usage
//
//	// Console during development
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Binary trace file
//	fl, _ := log.NewFileLogger("/var/log/fleetwire/manager.flog")
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # File Format
//
// Trace files are a concatenated stream of CBOR-encoded Events.
package log
