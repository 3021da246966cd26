// Package session owns one live connection to a target.
//
// Ownership boundary:
// - port open and baud negotiation
// - feature handshake and resync
// - per-boot state: image base, boot args, host heap, code buffer
// - re-entry after reload and reboot
package session
