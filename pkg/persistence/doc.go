// Package persistence mirrors host status to durable storage.
//
// A Mirror subscribes to the host state machine and writes the current
// record of every host whose status changed. Two stores are provided: a
// JSON file holding a snapshot of all hosts, and a SQLite database that
// additionally keeps a journal of transitions. On startup Restore loads
// the saved records back into the machine.
package persistence
