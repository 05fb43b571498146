// Package agent keeps the manager's side of every host agent connection
// and dispatches commands over it.
//
// Each connected host is represented by an Attache that owns the link, the
// per-host sequence counter and the table of pending waiters. The Registry
// maps host ids to attaches and guarantees at most one attache per host.
//
// The Dispatcher is the public entry point. Send blocks until every answer
// arrives or the deadline passes; SendAsync hands the outcome to an
// AnswerHandler; SendToAny picks an eligible host round-robin. Commands
// marked in-sequence are released one at a time per host: the next one is
// written only after the previous one was answered, timed out or failed.
//
// Every waiter resolves exactly once, as answered, timed out or closed.
// Answers that arrive after their waiter resolved are logged at debug and
// dropped.
//
// The Gateway binds a transport.Server to a Dispatcher: it runs the
// handshake, routes frames and feeds keep-alive results into the host
// state machine.
package agent
