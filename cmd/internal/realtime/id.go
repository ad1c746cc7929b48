package realtime

import (
	"time"

	"tether/cmd/identity/ids"
)

// NewEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by time, which keeps client-side logs ordered.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
