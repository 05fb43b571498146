// Package hoststate tracks the connection status of every managed host.
//
// A host moves between statuses only along the edges declared in this
// package. Events that have no edge from the current status are rejected
// with ErrInvalidTransition and leave the host untouched.
//
//	CONNECTING --handshake--> UP <--ping--> ALERT --misses--> DOWN
//	     ^                     |              |                 |
//	     |                  disable        disable          handshake
//	   enable                  v              v                 |
//	     +------------- DISCONNECTED <--------+           (back to UP)
//
// REMOVED is terminal and reachable from CONNECTING, ALERT, DOWN and
// DISCONNECTED. Removal is soft: the record stays queryable.
//
// Keep-alive results drive escalation. Consecutive misses move an UP host
// to ALERT after Config.AlertAfterMisses and an ALERT host to DOWN after
// Config.DownAfterMisses; any pong resets the count.
package hoststate
