// Package cascade consumes account.deleted and invalidates the account's
// sessions.
//
// Per envelope the Consumer:
//  1. skips envelopes whose id already has a processed:{group}:{eventId} marker;
//  2. writes (or refreshes) the account's tombstone;
//  3. invalidates every session in the account's index;
//  4. writes the processed marker and acknowledges.
//
// The tombstone write happens before the index read, so a concurrent
// CreateSession either sees the tombstone or lands in the index before the
// read. Steps 2 and 3 are retried with bounded backoff; when the budget runs
// out the envelope is left unacknowledged and the bus redelivers it.
package cascade
