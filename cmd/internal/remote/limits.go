package remote

import "time"

const (
	// Hard cap on inbound WebSocket frames. Change envelopes stay well below it.
	maxFrameBytes = 64 << 10
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
)

const (
	// Inbound frames per connection.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
