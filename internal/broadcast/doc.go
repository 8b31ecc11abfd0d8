// Package broadcast is the scope-keyed, fire-and-forget channel between tabs.
//
// # Messages
//
// A Message carries a Kind from a closed set, the scope and origin tab, the
// saveId of the write it reports and a Payload. Window kinds carry the full
// window after the change; close kinds carry the removed ids. Decode checks
// frames against an embedded JSON schema and reports ErrUnknownKind or
// ErrMalformedMessage for frames receivers should drop.
//
// # Transports
//
// Hub fans messages out to subscribers in one process. RelayHandler exposes a
// Hub over websockets and RemoteTransport connects to it, so both satisfy
// Transport and the coordinator cannot tell them apart.
//
// Delivery is at most once. Slow subscribers lose messages rather than block
// the publisher, and nothing is replayed to late subscribers.
package broadcast
