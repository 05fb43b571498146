// Package discovery advertises the fleetwire manager over mDNS/DNS-SD and
// lets agents find it.
//
// The manager registers one instance of the _fleetwire._tcp service. Its
// TXT records carry the manager id (id), the handshake protocol version
// (ver), the data centers it serves (dc, comma-separated) and whether a
// handshake proof is required (auth). Agents browse for the service,
// aggregate addresses seen on several interfaces, and pick the first
// manager serving their data center.
package discovery
