// Package directory manages the conversations a user belongs to: listing, creation with
// a shareable join code, joining by code, leaving, and owner-side member management.
package directory

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput     = errors.New("directory: invalid input")
	ErrNotFound         = errors.New("directory: conversation not found")
	ErrNotMember        = errors.New("directory: not a member")
	ErrNotOwner         = errors.New("directory: owner only")
	ErrAlreadyMember    = errors.New("directory: already a member")
	ErrOwnerCannotLeave = errors.New("directory: owners cannot leave their own conversation")
	ErrCodeConflict     = errors.New("directory: join code already taken")
)

// Role is a member's role in a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Conversation is a conversation as seen by one user. Role is that user's role and is
// empty when the conversation was looked up without a viewer.
type Conversation struct {
	ID          string
	DisplayName string
	OwnerID     string
	JoinCode    string
	CreatedAt   time.Time
	Role        Role
}

// Member is one row of a conversation's member list.
type Member struct {
	ConversationID string
	UserID         string
	Role           Role
	JoinedAt       time.Time
}
