// Package procmeta models process identity as the supervisor reports it.
//
// Envelope is the raw, untrusted process block found on every bus packet.
// Ref is the canonical reference forwarded to the backend; Normalize builds
// one from an Envelope and replaces the raw block entirely, so no other raw
// field ever leaves the agent.
//
// PMID keeps the JSON type of the identifier (number or string) so that a
// process id forwarded to the backend looks exactly like the one received.
package procmeta
