// Package identity is Tether's account registry.
//
// It owns account records (account:{id}) and their lifecycle: active, then
// deleted. Deletion is terminal and announces itself once, logically, as an
// account.deleted event whose id is derived from the account id, so publish
// retries and repeated deletes re-emit the same event.
package identity
