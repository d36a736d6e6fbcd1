package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/cmd/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertPayload(t *testing.T, conv, id string) []byte {
	t.Helper()
	b, err := encodeChangeJSON(realtime.Event{
		Type:           realtime.EventInsert,
		ConversationID: conv,
		Row: realtime.Row{
			ID:             id,
			ConversationID: conv,
			AuthorID:       "u1",
			Content:        "hello " + id,
			Kind:           realtime.KindText,
			CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	return b
}

// scriptedListener runs one step per listen attempt. Attempts past the script block
// until cancelled.
type scriptedListener struct {
	mu       sync.Mutex
	steps    []func(ctx context.Context, sink *FeedSink) error
	attempts atomic.Int32
	active   atomic.Int32
}

func (l *scriptedListener) listen(ctx context.Context, _ string, sink *FeedSink) error {
	n := int(l.attempts.Add(1))
	l.active.Add(1)
	defer l.active.Add(-1)

	l.mu.Lock()
	var step func(context.Context, *FeedSink) error
	if n <= len(l.steps) {
		step = l.steps[n-1]
	}
	l.mu.Unlock()

	if step == nil {
		sink.Ready()
		<-ctx.Done()
		return ctx.Err()
	}
	return step(ctx, sink)
}

func newTestFeed(t *testing.T, l *scriptedListener, opts ...FeedOption) *Feed {
	t.Helper()
	opts = append([]FeedOption{WithReconnect(time.Millisecond, 1)}, opts...)
	f, err := NewFeed(testLogger(), "test", l.listen, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFeed_DeliversDecodedChanges(t *testing.T) {
	t.Parallel()

	m1, foreign, m2 := insertPayload(t, "c1", "m1"), insertPayload(t, "c2", "foreign"), insertPayload(t, "c1", "m2")
	l := &scriptedListener{steps: []func(context.Context, *FeedSink) error{
		func(ctx context.Context, sink *FeedSink) error {
			sink.Ready()
			sink.Deliver(m1)
			sink.Deliver([]byte(`{"op":"TRUNCATE"}`))
			sink.Deliver(foreign)
			sink.Deliver(m2)
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	f := newTestFeed(t, l)

	rec := &recorder{}
	h, err := f.Subscribe(context.Background(), "c1", rec.handle)
	require.NoError(t, err)
	defer h.Close()

	rec.waitFor(t, realtime.EventInsert, 2)
	evs := rec.only(realtime.EventInsert)
	require.Len(t, evs, 2)
	assert.Equal(t, "m1", evs[0].Row.ID)
	assert.Equal(t, "m2", evs[1].Row.ID)
}

func TestFeed_ReconnectSignalsResumed(t *testing.T) {
	t.Parallel()

	m1 := insertPayload(t, "c1", "m1")
	rec := &recorder{}
	l := &scriptedListener{steps: []func(context.Context, *FeedSink) error{
		func(ctx context.Context, sink *FeedSink) error {
			sink.Ready()
			sink.Deliver(m1)
			rec.until(ctx, realtime.EventInsert, 1)
			rec.until(ctx, realtime.EventResumed, 1)
			return errors.New("connection reset")
		},
	}}
	f := newTestFeed(t, l)

	h, err := f.Subscribe(context.Background(), "c1", rec.handle)
	require.NoError(t, err)
	defer h.Close()

	// One for each time the listener became ready.
	rec.waitFor(t, realtime.EventResumed, 2)
	assert.Equal(t, 1, rec.count(realtime.EventInsert))
	assert.EqualValues(t, 2, l.attempts.Load())
}

func TestFeed_FirstReadySignalsResumed(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	l := &scriptedListener{steps: []func(context.Context, *FeedSink) error{
		func(ctx context.Context, sink *FeedSink) error {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			sink.Ready()
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	f := newTestFeed(t, l)

	early := &recorder{}
	h, err := f.Subscribe(context.Background(), "c1", early.handle)
	require.NoError(t, err)
	defer h.Close()

	require.Eventually(t, func() bool { return l.active.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, early.count(realtime.EventResumed))

	close(release)
	early.waitFor(t, realtime.EventResumed, 1)

	// Joining a listener that is already delivering.
	late := &recorder{}
	h2, err := f.Subscribe(context.Background(), "c1", late.handle)
	require.NoError(t, err)
	defer h2.Close()
	late.waitFor(t, realtime.EventResumed, 1)
	assert.EqualValues(t, 1, l.attempts.Load())
}

func TestFeed_RestartAfterFailureResumesSurvivors(t *testing.T) {
	t.Parallel()

	fail := func(context.Context, *FeedSink) error { return errors.New("refused") }
	l := &scriptedListener{steps: []func(context.Context, *FeedSink) error{fail, fail}}
	f := newTestFeed(t, l, WithMaxFailures(2))

	survivor := &recorder{}
	h, err := f.Subscribe(context.Background(), "c1", survivor.handle)
	require.NoError(t, err)
	defer h.Close()

	survivor.waitFor(t, realtime.EventFailed, 1)
	require.Eventually(t, func() bool { return !f.Listening("c1") }, time.Second, time.Millisecond)
	assert.Zero(t, survivor.count(realtime.EventResumed))

	h2, err := f.Subscribe(context.Background(), "c1", func(realtime.Event) {})
	require.NoError(t, err)
	defer h2.Close()

	survivor.waitFor(t, realtime.EventResumed, 1)
	assert.EqualValues(t, 3, l.attempts.Load())
}

func TestFeed_GapSignalsResumedWithoutReconnect(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	l := &scriptedListener{steps: []func(context.Context, *FeedSink) error{
		func(ctx context.Context, sink *FeedSink) error {
			sink.Ready()
			rec.until(ctx, realtime.EventResumed, 1)
			sink.Gap()
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	f := newTestFeed(t, l)

	h, err := f.Subscribe(context.Background(), "c1", rec.handle)
	require.NoError(t, err)
	defer h.Close()

	// Ready, then the gap.
	rec.waitFor(t, realtime.EventResumed, 2)
	assert.EqualValues(t, 1, l.attempts.Load())
}

func TestFeed_FailsAfterMaxFailures(t *testing.T) {
	t.Parallel()

	fail := func(context.Context, *FeedSink) error { return errors.New("refused") }
	l := &scriptedListener{steps: []func(context.Context, *FeedSink) error{fail, fail, fail}}
	f := newTestFeed(t, l, WithMaxFailures(3))

	rec := &recorder{}
	h, err := f.Subscribe(context.Background(), "c1", rec.handle)
	require.NoError(t, err)
	defer h.Close()

	rec.waitFor(t, realtime.EventFailed, 1)
	var subErr *realtime.SubscriptionError
	require.ErrorAs(t, rec.snapshot()[0].Err, &subErr)
	assert.Equal(t, 3, subErr.Attempts)
	assert.Equal(t, "c1", subErr.ConversationID)

	require.Eventually(t, func() bool { return !f.Listening("c1") }, time.Second, time.Millisecond)
	assert.EqualValues(t, 3, l.attempts.Load())
}

func TestFeed_ForbiddenIsTerminal(t *testing.T) {
	t.Parallel()

	l := &scriptedListener{steps: []func(context.Context, *FeedSink) error{
		func(context.Context, *FeedSink) error { return realtime.ErrForbidden },
	}}
	f := newTestFeed(t, l)

	rec := &recorder{}
	h, err := f.Subscribe(context.Background(), "c1", rec.handle)
	require.NoError(t, err)
	defer h.Close()

	rec.waitFor(t, realtime.EventFailed, 1)
	assert.True(t, realtime.IsForbidden(rec.snapshot()[0].Err))
	assert.EqualValues(t, 1, l.attempts.Load())
}

func TestFeed_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	fail := func(context.Context, *FeedSink) error { return errors.New("refused") }
	readyThenFail := func(_ context.Context, sink *FeedSink) error {
		sink.Ready()
		return errors.New("reset")
	}
	l := &scriptedListener{steps: []func(context.Context, *FeedSink) error{fail, readyThenFail, fail, readyThenFail}}
	f := newTestFeed(t, l, WithMaxFailures(3))

	rec := &recorder{}
	h, err := f.Subscribe(context.Background(), "c1", rec.handle)
	require.NoError(t, err)
	defer h.Close()

	require.Eventually(t, func() bool { return l.attempts.Load() >= 5 }, 3*time.Second, time.Millisecond)
	assert.Zero(t, rec.count(realtime.EventFailed))
}

func TestFeed_StopsListenerWithLastSubscriber(t *testing.T) {
	t.Parallel()

	l := &scriptedListener{}
	f := newTestFeed(t, l)

	a, err := f.Subscribe(context.Background(), "c1", func(realtime.Event) {})
	require.NoError(t, err)
	b, err := f.Subscribe(context.Background(), "c1", func(realtime.Event) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.active.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, f.Listening("c1"))

	require.NoError(t, a.Close())
	assert.True(t, f.Listening("c1"))

	require.NoError(t, b.Close())
	assert.False(t, f.Listening("c1"))
	require.Eventually(t, func() bool { return l.active.Load() == 0 }, time.Second, time.Millisecond)

	c, err := f.Subscribe(context.Background(), "c1", func(realtime.Event) {})
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return l.active.Load() == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, l.attempts.Load())
}

func TestFeed_ClosedRejectsSubscribe(t *testing.T) {
	t.Parallel()

	l := &scriptedListener{}
	f := newTestFeed(t, l)

	_, err := f.Subscribe(context.Background(), "c1", func(realtime.Event) {})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Zero(t, l.active.Load())

	_, err = f.Subscribe(context.Background(), "c1", func(realtime.Event) {})
	assert.ErrorIs(t, err, ErrFeedClosed)

	_, err = f.Subscribe(context.Background(), "", func(realtime.Event) {})
	assert.Error(t, err)
}

func TestNewFeed_RejectsBadOptions(t *testing.T) {
	t.Parallel()

	listen := func(context.Context, string, *FeedSink) error { return nil }
	_, err := NewFeed(testLogger(), "x", nil)
	assert.Error(t, err)
	_, err = NewFeed(testLogger(), "x", listen, WithReconnect(0, 1))
	assert.Error(t, err)
	_, err = NewFeed(testLogger(), "x", listen, WithMaxFailures(0))
	assert.Error(t, err)
	_, err = NewFeed(testLogger(), "x", listen, WithFeedQueueSize(-1))
	assert.Error(t, err)
}

func TestFeed_SessionCatchesUpOnFirstReady(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t)
	alice := m.As("alice")

	release := make(chan struct{})
	l := &scriptedListener{steps: []func(context.Context, *FeedSink) error{
		func(ctx context.Context, sink *FeedSink) error {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			sink.Ready()
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	f := newTestFeed(t, l)

	s, err := realtime.NewSession(testLogger(), alice, f, alice)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Activate("g1"))
	waitView(t, s, func(v []realtime.Message) bool { return len(v) == 0 })

	// Committed after the snapshot, before the listener is delivering.
	require.NoError(t, alice.InsertMessage(context.Background(), realtime.NewMessage{ConversationID: "g1", AuthorID: "alice", Content: "m1"}))
	assert.Empty(t, s.View())

	close(release)
	view := waitView(t, s, func(v []realtime.Message) bool { return len(v) == 1 })
	assert.Equal(t, "m1", view[0].Content)
}
