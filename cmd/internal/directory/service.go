package directory

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"chatsync/cmd/internal/ids"
)

const (
	maxDisplayNameRunes = 80
	maxCodeAttempts     = 5
)

// Service applies the conversation rules on top of a Store.
type Service struct {
	store Store
	codes func() (string, error)
	now   func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithCodeSource replaces the join code generator.
func WithCodeSource(next func() (string, error)) Option {
	return func(s *Service) error {
		if next == nil {
			return ErrInvalidInput
		}
		s.codes = next
		return nil
	}
}

// WithClock sets the clock used for creation and join timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store: store,
		codes: NewJoinCode,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// List returns the conversations userID owns or belongs to.
func (s *Service) List(ctx context.Context, userID string) ([]Conversation, error) {
	userID, err := s.begin(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListForUser(ctx, userID)
}

// Create makes a conversation owned by userID with a fresh join code.
func (s *Service) Create(ctx context.Context, userID, displayName string) (Conversation, error) {
	userID, err := s.begin(ctx, userID)
	if err != nil {
		return Conversation{}, err
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" || utf8.RuneCountInString(displayName) > maxDisplayNameRunes {
		return Conversation{}, ErrInvalidInput
	}

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	for attempt := 1; ; attempt++ {
		code, err := s.codes()
		if err != nil {
			return Conversation{}, err
		}
		conv, err := s.store.Create(ctx, CreateRecord{
			ID:          id,
			DisplayName: displayName,
			OwnerID:     userID,
			JoinCode:    code,
			CreatedAt:   now,
		})
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrCodeConflict) || attempt >= maxCodeAttempts {
			return Conversation{}, err
		}
	}
}

// Join adds userID to the conversation with the given join code. Joining a conversation
// the user already belongs to is not an error; joined reports whether a row was added.
func (s *Service) Join(ctx context.Context, userID, code string) (conv Conversation, joined bool, err error) {
	userID, err = s.begin(ctx, userID)
	if err != nil {
		return Conversation{}, false, err
	}
	code, ok := NormalizeJoinCode(code)
	if !ok {
		return Conversation{}, false, ErrInvalidInput
	}

	conv, err = s.store.FindByJoinCode(ctx, code)
	if err != nil {
		return Conversation{}, false, err
	}
	joined, err = s.store.AddMember(ctx, Member{
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           RoleMember,
		JoinedAt:       s.now(),
	})
	if err != nil {
		return Conversation{}, false, err
	}

	conv.Role = RoleMember
	if conv.OwnerID == userID {
		conv.Role = RoleOwner
	}
	return conv, joined, nil
}

// Leave removes userID from a conversation. Owners cannot leave.
func (s *Service) Leave(ctx context.Context, userID, conversationID string) error {
	userID, err := s.begin(ctx, userID)
	if err != nil {
		return err
	}
	conv, err := s.get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.OwnerID == userID {
		return ErrOwnerCannotLeave
	}
	removed, err := s.store.RemoveMember(ctx, conv.ID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotMember
	}
	return nil
}

// Members lists a conversation's members. Only members may look.
func (s *Service) Members(ctx context.Context, userID, conversationID string) ([]Member, error) {
	userID, err := s.begin(ctx, userID)
	if err != nil {
		return nil, err
	}
	conv, err := s.get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.IsMember(ctx, userID, conv.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}
	return s.store.Members(ctx, conv.ID)
}

// AddMember lets the owner add userID directly.
func (s *Service) AddMember(ctx context.Context, ownerID, conversationID, userID string) error {
	conv, userID, err := s.ownerAction(ctx, ownerID, conversationID, userID)
	if err != nil {
		return err
	}
	added, err := s.store.AddMember(ctx, Member{
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           RoleMember,
		JoinedAt:       s.now(),
	})
	if err != nil {
		return err
	}
	if !added {
		return ErrAlreadyMember
	}
	return nil
}

// RemoveMember lets the owner remove another member.
func (s *Service) RemoveMember(ctx context.Context, ownerID, conversationID, userID string) error {
	conv, userID, err := s.ownerAction(ctx, ownerID, conversationID, userID)
	if err != nil {
		return err
	}
	if userID == conv.OwnerID {
		return ErrOwnerCannotLeave
	}
	removed, err := s.store.RemoveMember(ctx, conv.ID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotMember
	}
	return nil
}

// IsMember reports whether userID belongs to conversationID. It lets the Service act
// as the relay's membership check.
func (s *Service) IsMember(ctx context.Context, userID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return false, nil
	}
	return s.store.IsMember(ctx, userID, conversationID)
}

func (s *Service) begin(ctx context.Context, userID string) (string, error) {
	if s == nil || s.store == nil {
		return "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidInput
	}
	return userID, nil
}

func (s *Service) get(ctx context.Context, conversationID string) (Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Conversation{}, ErrInvalidInput
	}
	return s.store.Get(ctx, conversationID)
}

func (s *Service) ownerAction(ctx context.Context, ownerID, conversationID, userID string) (Conversation, string, error) {
	ownerID, err := s.begin(ctx, ownerID)
	if err != nil {
		return Conversation{}, "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Conversation{}, "", ErrInvalidInput
	}
	conv, err := s.get(ctx, conversationID)
	if err != nil {
		return Conversation{}, "", err
	}
	if conv.OwnerID != ownerID {
		return Conversation{}, "", ErrNotOwner
	}
	return conv, userID, nil
}
