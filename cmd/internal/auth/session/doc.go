// Package session implements Tether's session registry.
//
// A session record lives at session:{id} in the shared state store. The
// account → sessions index is a set of independently addressable membership
// keys, index:{accountId}:{sessionId}, so concurrent logins and invalidations
// never read-modify-write a shared list. Query, cascade, sweep and expiry all
// enumerate sessions through the same Index.
//
// Deletion races are closed with tombstones owned by the reconcile package:
// CreateSession checks for a tombstone before writing and again after the
// index write, so a session either is rejected with ErrAccountGone or is
// visible to any cascade whose tombstone write happened first.
//
// Access tokens are PASETO v4.public, short-lived, and always re-checked
// against the session record (ValidateAccessToken).
package session
