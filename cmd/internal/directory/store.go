package directory

import (
	"context"
	"time"
)

// CreateRecord is a normalized conversation insert. The store adds OwnerID as the
// owner member in the same transaction.
type CreateRecord struct {
	ID          string
	DisplayName string
	OwnerID     string
	JoinCode    string
	CreatedAt   time.Time
}

// Store is the persistence boundary for conversations and memberships.
type Store interface {
	// ListForUser returns conversations userID owns or belongs to, newest first.
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)
	// Create returns ErrCodeConflict when the join code is taken.
	Create(ctx context.Context, in CreateRecord) (Conversation, error)
	Get(ctx context.Context, conversationID string) (Conversation, error)
	FindByJoinCode(ctx context.Context, code string) (Conversation, error)
	// Members returns the member list ordered by join time.
	Members(ctx context.Context, conversationID string) ([]Member, error)
	// AddMember reports false when the user already is a member.
	AddMember(ctx context.Context, m Member) (bool, error)
	// RemoveMember reports false when the user was not a member.
	RemoveMember(ctx context.Context, conversationID, userID string) (bool, error)
	IsMember(ctx context.Context, userID, conversationID string) (bool, error)
}
