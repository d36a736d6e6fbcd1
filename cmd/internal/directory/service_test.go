package directory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	var tick int
	opts = append([]Option{WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})}, opts...)
	svc, err := NewService(st, opts...)
	require.NoError(t, err)
	return svc, st
}

func TestService_CreateMakesOwnerMember(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "alice", "  Weekend plans  ")
	require.NoError(t, err)
	assert.Equal(t, "Weekend plans", conv.DisplayName)
	assert.Equal(t, "alice", conv.OwnerID)
	assert.Equal(t, RoleOwner, conv.Role)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, conv.JoinCode)
	assert.Len(t, conv.ID, 26)

	members, err := svc.Members(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, Member{ConversationID: conv.ID, UserID: "alice", Role: RoleOwner, JoinedAt: conv.CreatedAt}, members[0])

	ok, err := svc.IsMember(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_CreateValidatesName(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	for _, name := range []string{"", "   ", string(make([]rune, maxDisplayNameRunes+1))} {
		_, err := svc.Create(context.Background(), "alice", name)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	_, err := svc.Create(context.Background(), " ", "ok")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_CreateRetriesCodeConflicts(t *testing.T) {
	t.Parallel()

	codes := []string{"AAAAAA", "AAAAAA", "AAAAAA", "BBBBBB"}
	var calls int
	svc, _ := newTestService(t, WithCodeSource(func() (string, error) {
		c := codes[calls]
		calls++
		return c, nil
	}))
	ctx := context.Background()

	first, err := svc.Create(ctx, "alice", "one")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.JoinCode)

	second, err := svc.Create(ctx, "bob", "two")
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.JoinCode)
	assert.Equal(t, 4, calls)
}

func TestService_CreateGivesUpOnPersistentConflict(t *testing.T) {
	t.Parallel()

	var calls int
	svc, _ := newTestService(t, WithCodeSource(func() (string, error) {
		calls++
		return "ZZZZZZ", nil
	}))
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice", "one")
	require.NoError(t, err)
	calls = 0

	_, err = svc.Create(ctx, "alice", "two")
	assert.ErrorIs(t, err, ErrCodeConflict)
	assert.Equal(t, maxCodeAttempts, calls)
}

func TestService_JoinByCode(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "alice", "Book club")
	require.NoError(t, err)

	got, joined, err := svc.Join(ctx, "bob", "  "+strings.ToLower(conv.JoinCode)+" ")
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, RoleMember, got.Role)

	// Joining again is a no-op.
	_, joined, err = svc.Join(ctx, "bob", conv.JoinCode)
	require.NoError(t, err)
	assert.False(t, joined)

	// So is the owner joining their own conversation.
	got, joined, err = svc.Join(ctx, "alice", conv.JoinCode)
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, RoleOwner, got.Role)

	members, err := svc.Members(ctx, "bob", conv.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].UserID)
	assert.Equal(t, "bob", members[1].UserID)

	_, _, err = svc.Join(ctx, "bob", "abc")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = svc.Join(ctx, "bob", "QQQQQQ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Leave(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "alice", "Trip")
	require.NoError(t, err)
	_, _, err = svc.Join(ctx, "bob", conv.JoinCode)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Leave(ctx, "alice", conv.ID), ErrOwnerCannotLeave)
	require.NoError(t, svc.Leave(ctx, "bob", conv.ID))
	assert.ErrorIs(t, svc.Leave(ctx, "bob", conv.ID), ErrNotMember)
	assert.ErrorIs(t, svc.Leave(ctx, "bob", "missing"), ErrNotFound)

	ok, err := svc.IsMember(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Members(ctx, "bob", conv.ID)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestService_ListOwnedAndJoined(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	mine, err := svc.Create(ctx, "alice", "Mine")
	require.NoError(t, err)
	theirs, err := svc.Create(ctx, "bob", "Theirs")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "carol", "Unrelated")
	require.NoError(t, err)
	_, _, err = svc.Join(ctx, "alice", theirs.JoinCode)
	require.NoError(t, err)

	list, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Newest first.
	assert.Equal(t, theirs.ID, list[0].ID)
	assert.Equal(t, RoleMember, list[0].Role)
	assert.Equal(t, mine.ID, list[1].ID)
	assert.Equal(t, RoleOwner, list[1].Role)

	empty, err := svc.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestService_OwnerManagesMembers(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "alice", "Team")
	require.NoError(t, err)

	require.NoError(t, svc.AddMember(ctx, "alice", conv.ID, "bob"))
	assert.ErrorIs(t, svc.AddMember(ctx, "alice", conv.ID, "bob"), ErrAlreadyMember)
	assert.ErrorIs(t, svc.AddMember(ctx, "bob", conv.ID, "carol"), ErrNotOwner)

	assert.ErrorIs(t, svc.RemoveMember(ctx, "bob", conv.ID, "alice"), ErrNotOwner)
	assert.ErrorIs(t, svc.RemoveMember(ctx, "alice", conv.ID, "alice"), ErrOwnerCannotLeave)
	require.NoError(t, svc.RemoveMember(ctx, "alice", conv.ID, "bob"))
	assert.ErrorIs(t, svc.RemoveMember(ctx, "alice", conv.ID, "bob"), ErrNotMember)
	assert.ErrorIs(t, svc.AddMember(ctx, "alice", "missing", "bob"), ErrNotFound)
}

func TestService_PropagatesCodeSourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("entropy exhausted")
	svc, _ := newTestService(t, WithCodeSource(func() (string, error) { return "", boom }))
	_, err := svc.Create(context.Background(), "alice", "x")
	assert.ErrorIs(t, err, boom)
}

func TestNewService_RejectsBadOptions(t *testing.T) {
	t.Parallel()

	_, err := NewService(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewService(NewMemoryStore(), WithCodeSource(nil))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewService(NewMemoryStore(), WithClock(nil))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestJoinCode(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := NewJoinCode()
		require.NoError(t, err)
		norm, ok := NormalizeJoinCode(code)
		require.True(t, ok, code)
		assert.Equal(t, code, norm)
		seen[code] = true
	}
	// 36^6 codes; 200 draws colliding more than once would be remarkable.
	assert.GreaterOrEqual(t, len(seen), 199)

	for in, want := range map[string]bool{
		" ab12cd ": true,
		"AB12C":    false,
		"AB12CDE":  false,
		"AB-2CD":   false,
	} {
		_, ok := NormalizeJoinCode(in)
		assert.Equal(t, want, ok, in)
	}
}
