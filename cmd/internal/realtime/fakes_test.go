package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(id string, sec int) Message {
	return Message{
		ID:             id,
		ConversationID: "g1",
		AuthorID:       "u-" + id,
		Content:        "content " + id,
		Kind:           KindText,
		CreatedAt:      at(sec),
		UpdatedAt:      at(sec),
		Author:         AuthorProfile{DisplayName: "User " + id},
	}
}

func row(conv, id string, sec int) Row {
	return Row{
		ID:             id,
		ConversationID: conv,
		AuthorID:       "author",
		Content:        "content " + id,
		Kind:           KindText,
		CreatedAt:      at(sec),
		UpdatedAt:      at(sec),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// ---- loader ----

type fakeLoader struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, id string, call int) ([]Message, error)
}

func newFakeLoader(fn func(ctx context.Context, id string, call int) ([]Message, error)) *fakeLoader {
	return &fakeLoader{calls: make(map[string]int), fn: fn}
}

func staticLoader(data map[string][]Message) *fakeLoader {
	return newFakeLoader(func(_ context.Context, id string, _ int) ([]Message, error) {
		return append([]Message(nil), data[id]...), nil
	})
}

func (l *fakeLoader) Fetch(ctx context.Context, id string) ([]Message, error) {
	l.mu.Lock()
	l.calls[id]++
	n := l.calls[id]
	l.mu.Unlock()
	return l.fn(ctx, id, n)
}

func (l *fakeLoader) Calls(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

// ---- channel ----

type fakeHandle struct {
	ch     *fakeChannel
	id     string
	h      Handler
	closed bool
}

func (h *fakeHandle) Close() error {
	h.ch.mu.Lock()
	defer h.ch.mu.Unlock()
	h.closed = true
	return nil
}

type fakeChannel struct {
	mu         sync.Mutex
	subscribes map[string]int
	handles    []*fakeHandle
	violations []string
	failWith   error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subscribes: make(map[string]int)}
}

func (c *fakeChannel) Subscribe(_ context.Context, id string, h Handler) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribes[id]++
	if c.failWith != nil {
		return nil, c.failWith
	}
	for _, open := range c.handles {
		if !open.closed {
			c.violations = append(c.violations, fmt.Sprintf("subscribe %s while %s open", id, open.id))
		}
	}
	fh := &fakeHandle{ch: c, id: id, h: h}
	c.handles = append(c.handles, fh)
	return fh, nil
}

func (c *fakeChannel) Subscribes(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes[id]
}

func (c *fakeChannel) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

// latest returns the most recent handle for id.
func (c *fakeChannel) latest(t *testing.T, id string) *fakeHandle {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.handles) - 1; i >= 0; i-- {
		if c.handles[i].id == id {
			return c.handles[i]
		}
	}
	t.Fatalf("no subscription for %s", id)
	return nil
}

func (c *fakeChannel) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.handles {
		if !h.closed {
			n++
		}
	}
	return n
}

// emit delivers ev to the latest handle of id, synchronously.
func (c *fakeChannel) emit(t *testing.T, id string, ev Event) {
	t.Helper()
	h := c.latest(t, id)
	if ev.ConversationID == "" {
		ev.ConversationID = id
	}
	h.h(ev)
}

// ---- joiner ----

type fakeJoiner struct {
	mu     sync.Mutex
	denied map[string]bool
}

func newFakeJoiner() *fakeJoiner { return &fakeJoiner{denied: make(map[string]bool)} }

func (j *fakeJoiner) deny(authorID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.denied[authorID] = true
}

func (j *fakeJoiner) Join(_ context.Context, r Row) (Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.denied[r.AuthorID] {
		return Message{}, errors.New("profile denied by policy")
	}
	return r.WithAuthor(AuthorProfile{DisplayName: "Profile " + r.AuthorID, AvatarRef: "avatars/" + r.AuthorID}), nil
}

// ---- helpers ----

func newTestSession(t *testing.T, loader BulkLoader, ch EventChannel, opts ...SessionOption) *Session {
	t.Helper()
	opts = append([]SessionOption{WithFetchRetry(3, time.Millisecond)}, opts...)
	s, err := NewSession(testLogger(), loader, ch, newFakeJoiner(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitState(t *testing.T, s *Session, want State) Status {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().State == want }, 2*time.Second, time.Millisecond,
		"want state %s, have %s", want, s.Status().State)
	return s.Status()
}
