// Package reconcile owns account-deletion tombstones and the background sweep
// that heals sessions a cascade missed.
//
// A live tombstone at tombstone:{accountId} is a binding signal that the
// account is gone, independent of index state. Session creation and session
// queries read tombstones; the cascade consumer writes them before it reads
// the index. The Sweeper re-invalidates every account that still has a live
// tombstone, so a cascade that crashed after writing the tombstone is
// completed within one sweep interval.
package reconcile
