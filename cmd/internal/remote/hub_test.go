package remote

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/cmd/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deleteEvent(conv, id string) realtime.Event {
	return realtime.Event{Type: realtime.EventDelete, ConversationID: conv, ID: id}
}

func TestHub_DeliversInPublishOrder(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), 0)
	rec := &recorder{}
	sub := h.Subscribe("c1", rec.handle)
	defer sub.Close()

	for i := 0; i < 50; i++ {
		h.Publish(deleteEvent("c1", fmt.Sprintf("m%02d", i)))
	}
	h.Publish(deleteEvent("c2", "other"))

	rec.waitFor(t, realtime.EventDelete, 50)
	evs := rec.snapshot()
	require.Len(t, evs, 50)
	for i, ev := range evs {
		assert.Equal(t, fmt.Sprintf("m%02d", i), ev.ID)
	}
}

func TestHub_SubscribeNeverInvokesHandlerInline(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), 0)
	var inline, calling atomic.Bool
	calling.Store(true)
	sub := h.Subscribe("c1", func(realtime.Event) {
		if calling.Load() {
			inline.Store(true)
		}
	})
	calling.Store(false)
	defer sub.Close()
	h.Publish(deleteEvent("c1", "m1"))

	assert.False(t, inline.Load())
}

func TestHub_OverflowYieldsResumed(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), 2)
	release := make(chan struct{})
	rec := &recorder{}
	sub := h.Subscribe("c1", func(ev realtime.Event) {
		<-release
		rec.handle(ev)
	})
	defer sub.Close()

	// One event is picked up and blocks, two fill the queue, the rest overflow.
	accepted := 0
	for i := 0; i < 10; i++ {
		accepted += h.Publish(deleteEvent("c1", fmt.Sprintf("m%d", i)))
	}
	assert.Less(t, accepted, 10)

	close(release)
	rec.waitFor(t, realtime.EventResumed, 1)
	rec.waitFor(t, realtime.EventDelete, accepted)
	assert.Equal(t, accepted, rec.count(realtime.EventDelete))
}

func TestHub_CloseStopsDeliveryWithoutWaiting(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), 0)
	entered := make(chan struct{})
	block := make(chan struct{})
	defer close(block)

	var calls atomic.Int32
	sub := h.Subscribe("c1", func(realtime.Event) {
		if calls.Add(1) == 1 {
			close(entered)
			<-block
		}
	})

	h.Publish(deleteEvent("c1", "m1"))
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = sub.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited for a running handler")
	}

	assert.Zero(t, h.Subscribers("c1"))
	assert.Zero(t, h.Publish(deleteEvent("c1", "m2")))
	assert.NoError(t, sub.Close())
}

func TestHub_SignalFailed(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), 0)
	rec := &recorder{}
	sub := h.Subscribe("c1", rec.handle)
	defer sub.Close()

	h.Signal("c1", realtime.EventFailed, fmt.Errorf("gave up"))
	rec.waitFor(t, realtime.EventFailed, 1)
	assert.EqualError(t, rec.snapshot()[0].Err, "gave up")
}

func TestHub_OnEmptyCalledForLastSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), 0)
	var emptied []string
	h.onEmpty = func(id string) { emptied = append(emptied, id) }

	a := h.Subscribe("c1", func(realtime.Event) {})
	b := h.Subscribe("c1", func(realtime.Event) {})
	require.Equal(t, 2, h.Subscribers("c1"))

	_ = a.Close()
	assert.Empty(t, emptied)
	_ = b.Close()
	assert.Equal(t, []string{"c1"}, emptied)
}
