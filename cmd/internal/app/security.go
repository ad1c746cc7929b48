package app

import (
	"errors"

	"tether/cmd/internal/auth/session"
	"tether/cmd/security/token"
)

// ValidateSecurityConfig enforces the credential-hashing policy at startup.
// With TETHER_REQUIRE_TOKEN_HMAC=true a missing or short key is fatal rather
// than a silent fallback to plain SHA-256.
func ValidateSecurityConfig(cfg session.Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}
	if _, err := token.HMACKeyFromEnv(token.MinHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but " + token.HMACEnvKey + " is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: TETHER_REQUIRE_TOKEN_HMAC=true but " + token.HMACEnvKey + " is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}
