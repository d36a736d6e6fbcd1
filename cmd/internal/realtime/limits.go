package realtime

import "time"

const (
	// Max message content length, in UTF-16 code units (what clients count).
	maxContentUnits = 1000
)

const (
	// Snapshot fetch retry policy (transient failures only).
	defaultFetchAttempts   = 3
	defaultFetchBackoff    = 200 * time.Millisecond
	defaultFetchBackoffMax = 2 * time.Second

	// Upper bound on deltas buffered while a snapshot is being applied.
	defaultMaxBuffered = 10_000
)
