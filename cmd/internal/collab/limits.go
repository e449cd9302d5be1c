package collab

import "time"

// Security/performance limits for the collaboration gateway.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max chat message length (runes).
	maxChatChars = 4000

	// Max operation content length (runes). LaTeX paste blobs can be large,
	// but anything beyond this should go through file upload instead.
	maxOperationChars = 16_000

	// Max document position accepted from clients.
	maxPosition = 16 << 20
)

const (
	// Heartbeat defaults (overridable by env in gateway.go).
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Idle timeout: connections with no inbound activity for this long are
	// reaped by the liveness monitor.
	idleTimeout = 90 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
