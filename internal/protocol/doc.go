// Package protocol owns the m1n1 proxy wire contract: request and reply type
// words, status codes, feature bits and the running checksum.
//
// Ownership boundary:
// - wire constants shared by host and target
// - frame and data checksums
// - protocol-level sentinel errors
//
// Frame layout lives in protocol/frame; request/reply exchange lives in
// protocol/link.
package protocol
