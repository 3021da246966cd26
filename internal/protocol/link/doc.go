// Package link drives the m1n1 UART proxy protocol over a transport.Port.
//
// Ownership boundary:
// - command framing and reply scanning
// - feature negotiation (NOP)
// - bulk memory transfer (MEMREAD/MEMWRITE)
// - BOOT and EVENT frame dispatch
// - console passthrough of non-frame bytes
//
// A Link is owned by exactly one caller; it does not serialise concurrent
// requests. proxy.Client adds the lock.
package link
