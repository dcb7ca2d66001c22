package chat

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxContentChars = 4000

	// Conversation preview truncation length (runes).
	previewMaxChars = 100

	// Fixed history window returned by the REST history fetch.
	historyWindow = 50
)

const (
	// Heartbeat defaults (can be overridden by gateway config).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
