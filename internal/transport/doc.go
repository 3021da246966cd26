// Package transport owns the byte stream under the proxy link.
//
// Ownership boundary:
// - serial port open/close, baud rate and read deadlines
// - exact-length reads that fail with ErrTimeout
// - raw passthrough between a local terminal and the target console
package transport
