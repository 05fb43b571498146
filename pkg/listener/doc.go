// Package listener lets other subsystems observe host connections and
// command traffic.
//
// Listeners declare what they want through interest flags and implement
// the matching capability interface: ConnectionListener for connection
// events, CommandListener for command traffic. Registrations with
// InterestPriority run first in ascending priority order; everything else
// follows in registration order.
//
// The registry publishes an immutable snapshot on every change, so
// notification never takes a lock and listeners may register or
// unregister from inside a callback.
//
// A connection listener can veto a handshake by returning an error from
// ProcessConnect. Panics and timeouts count as vetoes for connects and
// are logged and skipped for every other notification.
package listener
