// Package session owns resumable-session state and lifecycle.
//
// Ownership boundary:
// - resumption tokens and the host identifier
// - the per-session record and its state machine
// - the token -> session registry with grace-period eviction
// - reliability/backoff/transport-security configuration
package session
