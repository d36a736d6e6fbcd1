package remote

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"chatsync/cmd/internal/realtime"
)

const defaultQueueSize = 256

// Hub fans change events out to per-conversation subscribers.
//
// Concurrency guarantees:
//   - Publish never blocks; a subscriber whose queue is full loses the event and is sent
//     EventResumed once its queue has room again.
//   - Each subscriber has one delivery goroutine, so its handler runs sequentially and
//     in publish order.
//   - Handlers are never invoked from Subscribe or Publish.
type Hub struct {
	log       *slog.Logger
	queueSize int

	mu     sync.RWMutex
	topics map[string]map[uint64]*Subscription
	nextID uint64

	// onEmpty is called (outside mu) when the last subscriber of a topic leaves.
	onEmpty func(conversationID string)
}

// NewHub constructs a Hub. queueSize <= 0 selects the default.
func NewHub(log *slog.Logger, queueSize int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		log:       log,
		queueSize: queueSize,
		topics:    make(map[string]map[uint64]*Subscription),
	}
}

// Subscribe registers fn for conversationID. The returned Subscription implements
// realtime.Handle.
func (h *Hub) Subscribe(conversationID string, fn realtime.Handler) *Subscription {
	s := &Subscription{
		hub:            h,
		ConversationID: conversationID,
		queue:          make(chan realtime.Event, h.queueSize),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		fn:             fn,
	}

	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	subs := h.topics[conversationID]
	if subs == nil {
		subs = make(map[uint64]*Subscription)
		h.topics[conversationID] = subs
	}
	subs[s.id] = s
	h.mu.Unlock()

	go s.run()

	h.log.Debug("hub.subscribe", "conversation_id", conversationID, "subscription_id", s.id)
	return s
}

// Publish enqueues ev for every subscriber of ev.ConversationID and returns how many
// subscribers accepted it.
func (h *Hub) Publish(ev realtime.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, s := range h.topics[ev.ConversationID] {
		if s.offer(ev) {
			n++
		}
	}
	return n
}

// Signal delivers a lifecycle event (EventResumed, EventFailed) to every subscriber of
// conversationID.
func (h *Hub) Signal(conversationID string, typ realtime.EventType, err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.topics[conversationID] {
		switch typ {
		case realtime.EventResumed:
			s.markGap()
		default:
			if !s.offer(realtime.Event{Type: typ, ConversationID: conversationID, Err: err}) {
				h.log.Warn("hub.signal.drop", "conversation_id", conversationID, "type", typ.String())
			}
		}
	}
}

// Subscribers returns the number of open subscriptions for conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[conversationID])
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	subs := h.topics[s.ConversationID]
	if _, ok := subs[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, s.id)
	empty := len(subs) == 0
	if empty {
		delete(h.topics, s.ConversationID)
	}
	onEmpty := h.onEmpty
	h.mu.Unlock()

	h.log.Debug("hub.unsubscribe", "conversation_id", s.ConversationID, "subscription_id", s.id)
	if empty && onEmpty != nil {
		onEmpty(s.ConversationID)
	}
}

// Subscription is one registered handler.
//
// The queue is never closed; done signals the delivery goroutine to stop, which keeps
// Publish safe under concurrent Close.
type Subscription struct {
	hub            *Hub
	id             uint64
	ConversationID string

	queue chan realtime.Event
	wake  chan struct{}
	gap   atomic.Bool
	fn    realtime.Handler

	done      chan struct{}
	closeOnce sync.Once
}

// Close unregisters the subscription. It does not wait for a running handler.
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
	return nil
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) offer(ev realtime.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.queue <- ev:
		return true
	default:
		s.hub.log.Warn("hub.queue.overflow", "conversation_id", s.ConversationID, "subscription_id", s.id)
		s.markGap()
		return false
	}
}

func (s *Subscription) markGap() {
	s.gap.Store(true)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			if !s.deliver(ev) {
				return
			}
		case <-s.wake:
			// Events queued before the gap go first.
			for n := len(s.queue); n > 0; n-- {
				if !s.deliver(<-s.queue) {
					return
				}
			}
			if s.gap.Swap(false) {
				if !s.deliver(realtime.Event{Type: realtime.EventResumed, ConversationID: s.ConversationID}) {
					return
				}
			}
		}
	}
}

func (s *Subscription) deliver(ev realtime.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.fn(ev)
	return true
}
