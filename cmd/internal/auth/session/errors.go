package session

import "errors"

var (
	// ErrAccountGone is returned when the account has a live deletion tombstone.
	// It is a business rejection, not a fault.
	ErrAccountGone = errors.New("account gone")

	// ErrSessionNotFound is returned when no session record exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInvalidated is returned for sessions that were invalidated.
	ErrSessionInvalidated = errors.New("session invalidated")

	// ErrSessionExpired is returned when the session is expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrIndexWrite is returned when the index membership could not be written
	// and the session record was rolled back.
	ErrIndexWrite = errors.New("session index write failed")

	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidArgument is returned for malformed identifiers or credentials.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// IsUnusable reports whether err means the session can no longer be used, as
// opposed to a transient failure to find out.
func IsUnusable(err error) bool {
	return errors.Is(err, ErrAccountGone) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionInvalidated) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrInvalidToken)
}
