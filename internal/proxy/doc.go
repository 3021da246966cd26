// Package proxy is the typed command layer over the m1n1 link.
//
// Ownership boundary:
// - the closed opcode catalog and argument validation
// - proxy reply status to error mapping
// - typed memory, call, cache, control and remote heap operations
// - compressed writes staged through a host-managed heap
//
// A Client serialises its callers; at most one request is on the wire.
package proxy
