package remote

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"chatsync/cmd/internal/ids"
)

// NewMessageID returns the ULID assigned to a new message row.
// The time component keeps ID order close to created_at order.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}

// newSessionID returns a random relay session id (20 hex chars).
func newSessionID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
