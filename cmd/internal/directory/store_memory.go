package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for tests and the memory backend.
type MemoryStore struct {
	mu      sync.RWMutex
	convs   map[string]Conversation
	byCode  map[string]string
	members map[string]map[string]Member
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:   make(map[string]Conversation),
		byCode:  make(map[string]string),
		members: make(map[string]map[string]Member),
	}
}

// ListForUser implements Store.
func (s *MemoryStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Conversation
	for id, c := range s.convs {
		m, ok := s.members[id][userID]
		switch {
		case ok:
			c.Role = m.Role
		case c.OwnerID == userID:
			c.Role = RoleOwner
		default:
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, in CreateRecord) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.OwnerID) == "" || strings.TrimSpace(in.JoinCode) == "" {
		return Conversation{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byCode[in.JoinCode]; taken {
		return Conversation{}, ErrCodeConflict
	}
	if _, exists := s.convs[in.ID]; exists {
		return Conversation{}, ErrInvalidInput
	}

	c := Conversation{
		ID:          in.ID,
		DisplayName: in.DisplayName,
		OwnerID:     in.OwnerID,
		JoinCode:    in.JoinCode,
		CreatedAt:   in.CreatedAt,
	}
	s.convs[c.ID] = c
	s.byCode[c.JoinCode] = c.ID
	s.members[c.ID] = map[string]Member{
		c.OwnerID: {ConversationID: c.ID, UserID: c.OwnerID, Role: RoleOwner, JoinedAt: in.CreatedAt},
	}

	c.Role = RoleOwner
	return c, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

// FindByJoinCode implements Store.
func (s *MemoryStore) FindByJoinCode(ctx context.Context, code string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCode[code]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return s.convs[id], nil
}

// Members implements Store.
func (s *MemoryStore) Members(ctx context.Context, conversationID string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Member, 0, len(s.members[conversationID]))
	for _, m := range s.members[conversationID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// AddMember implements Store.
func (s *MemoryStore) AddMember(ctx context.Context, m Member) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[m.ConversationID]; !ok {
		return false, ErrNotFound
	}
	if _, ok := s.members[m.ConversationID][m.UserID]; ok {
		return false, nil
	}
	s.members[m.ConversationID][m.UserID] = m
	return true, nil
}

// RemoveMember implements Store.
func (s *MemoryStore) RemoveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[conversationID][userID]; !ok {
		return false, nil
	}
	delete(s.members[conversationID], userID)
	return true, nil
}

// IsMember implements Store.
func (s *MemoryStore) IsMember(ctx context.Context, userID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.members[conversationID][userID]
	return ok, nil
}
