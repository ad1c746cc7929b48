package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read. Clients only send pings.
	maxFrameBytes = 4 << 10 // 4 KiB
)

const (
	// Heartbeat defaults (overridable via WSConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (client frames per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second

	// How often a connection re-checks its session with the registry.
	revalidateInterval = time.Minute
)
