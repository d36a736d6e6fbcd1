package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/realtime"
)

const memMaxMessagesPerConversation = 10_000

// Memory is an in-process authoritative message store with a change feed.
//
// It backs the "memory" backend of the dev tool and the tests. Reads and subscriptions
// are membership-checked through the configured MembershipStore; without one every
// conversation is readable.
type Memory struct {
	log     *slog.Logger
	hub     *Hub
	members MembershipStore
	now     func() time.Time

	mu       sync.RWMutex
	convs    map[string][]realtime.Row
	byID     map[string]string // message id -> conversation id
	profiles map[string]realtime.AuthorProfile
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory) error

// WithMembership enables membership checks on reads, writes and subscriptions.
func WithMembership(ms MembershipStore) MemoryOption {
	return func(m *Memory) error {
		m.members = ms
		return nil
	}
}

// WithClock overrides the clock used for created_at/updated_at.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) error {
		if now == nil {
			return errors.New("remote: nil clock")
		}
		m.now = now
		return nil
	}
}

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) MemoryOption {
	return func(m *Memory) error {
		if n <= 0 {
			return errors.New("remote: queue size must be positive")
		}
		m.hub = NewHub(m.log, n)
		return nil
	}
}

// NewMemory constructs an empty Memory store.
func NewMemory(log *slog.Logger, opts ...MemoryOption) (*Memory, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Memory{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		convs:    make(map[string][]realtime.Row),
		byID:     make(map[string]string),
		profiles: make(map[string]realtime.AuthorProfile),
	}
	m.hub = NewHub(log, defaultQueueSize)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetProfile registers the profile joined onto userID's messages.
func (m *Memory) SetProfile(userID string, p realtime.AuthorProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[userID] = p
}

// Feed returns the unchecked change feed of the store. It is meant for trusted
// relays that perform their own membership checks.
func (m *Memory) Feed() realtime.EventChannel { return memoryFeed{m: m} }

// As returns a client acting as userID.
func (m *Memory) As(userID string) *MemoryClient {
	return &MemoryClient{m: m, userID: strings.TrimSpace(userID)}
}

func (m *Memory) readable(ctx context.Context, userID, conversationID string) (bool, error) {
	if m.members == nil {
		return true, nil
	}
	return m.members.IsMember(ctx, userID, conversationID)
}

func (m *Memory) profile(userID string) realtime.AuthorProfile {
	m.mu.RLock()
	p, ok := m.profiles[userID]
	m.mu.RUnlock()
	if !ok {
		return realtime.AuthorProfile{DisplayName: userID}
	}
	return p
}

type memoryFeed struct{ m *Memory }

func (f memoryFeed) Subscribe(ctx context.Context, conversationID string, h realtime.Handler) (realtime.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.m.hub.Subscribe(conversationID, h), nil
}

// MemoryClient is the per-user view of a Memory store. It implements
// realtime.BulkLoader, realtime.Joiner, realtime.Writer and realtime.EventChannel.
type MemoryClient struct {
	m      *Memory
	userID string
}

// Fetch returns the joined messages of conversationID.
func (c *MemoryClient) Fetch(ctx context.Context, conversationID string) ([]realtime.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, realtime.NewFetchError(conversationID, realtime.ErrTransient, err)
	}
	ok, err := c.m.readable(ctx, c.userID, conversationID)
	if err != nil {
		return nil, realtime.NewFetchError(conversationID, realtime.ErrUnknown, err)
	}
	if !ok {
		return nil, realtime.NewFetchError(conversationID, realtime.ErrForbidden, nil)
	}

	c.m.mu.RLock()
	rows := append([]realtime.Row(nil), c.m.convs[conversationID]...)
	c.m.mu.RUnlock()

	out := make([]realtime.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.WithAuthor(c.m.profile(r.AuthorID)))
	}
	return out, nil
}

// Join resolves the author profile of r, provided the caller can read its conversation.
func (c *MemoryClient) Join(ctx context.Context, r realtime.Row) (realtime.Message, error) {
	ok, err := c.m.readable(ctx, c.userID, r.ConversationID)
	if err != nil {
		return realtime.Message{}, err
	}
	if !ok {
		return realtime.Message{}, fmt.Errorf("join %s: %w", r.ID, realtime.ErrForbidden)
	}
	return r.WithAuthor(c.m.profile(r.AuthorID)), nil
}

// Subscribe opens a membership-checked subscription. It always delivers one
// EventResumed: writes may have landed between the caller's snapshot and this call.
func (c *MemoryClient) Subscribe(ctx context.Context, conversationID string, h realtime.Handler) (realtime.Handle, error) {
	ok, err := c.m.readable(ctx, c.userID, conversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, realtime.ErrForbidden)
	}
	sub := c.m.hub.Subscribe(conversationID, h)
	sub.markGap()
	return sub, nil
}

// InsertMessage appends a message and publishes the insert.
func (c *MemoryClient) InsertMessage(ctx context.Context, in realtime.NewMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if in.AuthorID != c.userID {
		return fmt.Errorf("insert as %q: %w", in.AuthorID, realtime.ErrUnauthorized)
	}
	ok, err := c.m.readable(ctx, c.userID, in.ConversationID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("insert into %s: %w", in.ConversationID, realtime.ErrForbidden)
	}

	now := c.m.now()
	id, err := NewMessageID(now)
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	kind := in.Kind
	if kind == "" {
		kind = realtime.KindText
	}
	r := realtime.Row{
		ID:             id,
		ConversationID: in.ConversationID,
		AuthorID:       in.AuthorID,
		Content:        in.Content,
		Kind:           kind,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	c.m.mu.Lock()
	rows := append(c.m.convs[in.ConversationID], r)
	// Bound memory to avoid unbounded growth in dev.
	if len(rows) > memMaxMessagesPerConversation {
		for _, old := range rows[:len(rows)-memMaxMessagesPerConversation] {
			delete(c.m.byID, old.ID)
		}
		rows = rows[len(rows)-memMaxMessagesPerConversation:]
	}
	c.m.convs[in.ConversationID] = rows
	c.m.byID[id] = in.ConversationID
	c.m.mu.Unlock()

	c.m.hub.Publish(realtime.Event{Type: realtime.EventInsert, ConversationID: in.ConversationID, Row: r})
	return nil
}

// EditMessage replaces the content of one of the caller's messages.
func (c *MemoryClient) EditMessage(ctx context.Context, authorID, messageID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if authorID != c.userID {
		return fmt.Errorf("edit as %q: %w", authorID, realtime.ErrUnauthorized)
	}

	now := c.m.now()

	c.m.mu.Lock()
	convID, i, err := c.m.ownedLocked(authorID, messageID)
	if err != nil {
		c.m.mu.Unlock()
		return err
	}
	c.m.convs[convID][i].Content = content
	c.m.convs[convID][i].UpdatedAt = now
	c.m.mu.Unlock()

	c.m.hub.Publish(realtime.Event{
		Type:           realtime.EventUpdate,
		ConversationID: convID,
		Patch:          realtime.Patch{ID: messageID, Content: &content, UpdatedAt: &now},
	})
	return nil
}

// DeleteMessage removes one of the caller's messages.
func (c *MemoryClient) DeleteMessage(ctx context.Context, authorID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if authorID != c.userID {
		return fmt.Errorf("delete as %q: %w", authorID, realtime.ErrUnauthorized)
	}

	c.m.mu.Lock()
	convID, i, err := c.m.ownedLocked(authorID, messageID)
	if err != nil {
		c.m.mu.Unlock()
		return err
	}
	rows := c.m.convs[convID]
	c.m.convs[convID] = append(rows[:i:i], rows[i+1:]...)
	delete(c.m.byID, messageID)
	c.m.mu.Unlock()

	c.m.hub.Publish(realtime.Event{Type: realtime.EventDelete, ConversationID: convID, ID: messageID})
	return nil
}

func (m *Memory) ownedLocked(authorID, messageID string) (string, int, error) {
	convID, ok := m.byID[messageID]
	if !ok {
		return "", 0, fmt.Errorf("message %s not found: %w", messageID, realtime.ErrInvalid)
	}
	for i, r := range m.convs[convID] {
		if r.ID != messageID {
			continue
		}
		if r.AuthorID != authorID {
			return "", 0, fmt.Errorf("message %s: %w", messageID, realtime.ErrUnauthorized)
		}
		return convID, i, nil
	}
	return "", 0, fmt.Errorf("message %s not found: %w", messageID, realtime.ErrInvalid)
}
