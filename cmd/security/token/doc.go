// Package token provides hashing primitives for opaque credentials.
//
// Session records never hold the caller's credential reference in plaintext;
// they hold a stable 64-char hex digest of it:
//   - HMAC-SHA256(ref, key) when TETHER_TOKEN_HMAC_KEY is set.
//   - SHA-256(ref) otherwise (dev only).
//
// When policy requires HMAC, callers use HashCredentialRefRequireHMAC, which
// enforces a minimum key size and never falls back to plain SHA-256.
package token
