package realtime

import "time"

// Gateway safety limits. The RIPPLE_WS_* env knobs in ws_gateway.go override
// the tunables; maxFrameBytes is a hard cap.
const (
	// Largest websocket frame the gateway will read. A send-message envelope
	// tops out well under this even at the storage content cap, so anything
	// bigger is a hostile or broken client.
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat: one ping every interval, connection dropped after the
	// timeout elapses on too many consecutive failures.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-session inbound event budget (sends, typing, reactions combined).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
