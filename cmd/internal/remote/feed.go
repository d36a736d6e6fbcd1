package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatsync/cmd/internal/realtime"

	"golang.org/x/time/rate"
)

const (
	defaultReconnectEvery = time.Second
	defaultReconnectBurst = 1
	defaultMaxFailures    = 5
)

// ErrFeedClosed is returned by Subscribe after Close.
var ErrFeedClosed = errors.New("remote: feed closed")

// FeedSink receives what a ListenFunc observes. Its methods must be called from the
// ListenFunc's goroutine.
type FeedSink struct {
	ready   func()
	deliver func([]byte)
	gap     func()
}

// Ready reports that the listener is subscribed and delivering.
func (s *FeedSink) Ready() { s.ready() }

// Deliver hands over one encoded ChangePayload.
func (s *FeedSink) Deliver(payload []byte) { s.deliver(payload) }

// Gap reports that the upstream lost deltas without the listener disconnecting.
func (s *FeedSink) Gap() { s.gap() }

// ListenFunc listens to the change stream of one conversation until ctx is done or the
// transport fails. It returns the transport error; the Feed decides whether to retry.
type ListenFunc func(ctx context.Context, conversationID string, sink *FeedSink) error

// Feed is a realtime.EventChannel over a reconnecting transport.
//
// One listener runs per conversation with at least one subscriber. Every time a
// listener becomes ready, including the first, current subscribers receive
// EventResumed, and a subscriber joining a ready listener receives one right away:
// changes committed before a subscription was delivering are only visible to a fresh
// snapshot. A listener that fails is restarted, paced by a token bucket.
// After maxFailures consecutive failures subscribers receive EventFailed and the
// listener stops until the next Subscribe.
type Feed struct {
	log    *slog.Logger
	name   string
	listen ListenFunc
	hub    *Hub

	reconnectEvery time.Duration
	reconnectBurst int
	maxFailures    int

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	runners map[string]*feedRunner
	closed  bool
}

type feedRunner struct {
	cancel context.CancelFunc
	done   chan struct{}
	ready  bool // guarded by Feed.mu
}

// FeedOption configures a Feed.
type FeedOption func(*Feed) error

// WithReconnect paces listener restarts: at most burst restarts at once, then one per every.
func WithReconnect(every time.Duration, burst int) FeedOption {
	return func(f *Feed) error {
		if every <= 0 || burst <= 0 {
			return errors.New("remote: invalid reconnect pacing")
		}
		f.reconnectEvery = every
		f.reconnectBurst = burst
		return nil
	}
}

// WithMaxFailures bounds consecutive listener failures before EventFailed.
func WithMaxFailures(n int) FeedOption {
	return func(f *Feed) error {
		if n <= 0 {
			return errors.New("remote: max failures must be positive")
		}
		f.maxFailures = n
		return nil
	}
}

// WithFeedQueueSize sets the per-subscriber queue bound.
func WithFeedQueueSize(n int) FeedOption {
	return func(f *Feed) error {
		if n <= 0 {
			return errors.New("remote: queue size must be positive")
		}
		f.hub = NewHub(f.log, n)
		return nil
	}
}

// NewFeed constructs a Feed. name labels log lines ("postgres", "redis", "ws").
func NewFeed(log *slog.Logger, name string, listen ListenFunc, opts ...FeedOption) (*Feed, error) {
	if listen == nil {
		return nil, errors.New("remote: nil listen func")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("feed", name)

	f := &Feed{
		log:            log,
		name:           name,
		listen:         listen,
		hub:            NewHub(log, defaultQueueSize),
		reconnectEvery: defaultReconnectEvery,
		reconnectBurst: defaultReconnectBurst,
		maxFailures:    defaultMaxFailures,
		runners:        make(map[string]*feedRunner),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	f.hub.onEmpty = f.stopRunner
	f.baseCtx, f.cancel = context.WithCancel(context.Background())
	return f, nil
}

// Subscribe implements realtime.EventChannel. It never blocks on the transport.
func (f *Feed) Subscribe(ctx context.Context, conversationID string, h realtime.Handler) (realtime.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, errors.New("remote: empty conversation id")
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrFeedClosed
	}

	sub := f.hub.Subscribe(conversationID, h)
	if f.ensureRunner(conversationID) {
		sub.markGap()
	}
	return sub, nil
}

// Close stops every listener. Open subscriptions stop receiving events.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	runners := make([]*feedRunner, 0, len(f.runners))
	for _, r := range f.runners {
		runners = append(runners, r)
	}
	f.mu.Unlock()

	f.cancel()
	for _, r := range runners {
		<-r.done
	}
	return nil
}

// Listening reports whether a listener runs for conversationID.
func (f *Feed) Listening(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.runners[conversationID]
	return ok
}

// ensureRunner starts a listener for conversationID unless one runs. It reports
// whether the running listener is already delivering.
func (f *Feed) ensureRunner(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	if r, ok := f.runners[conversationID]; ok {
		return r.ready
	}
	ctx, cancel := context.WithCancel(f.baseCtx)
	r := &feedRunner{cancel: cancel, done: make(chan struct{})}
	f.runners[conversationID] = r
	go f.run(ctx, conversationID, r)
	return false
}

func (f *Feed) setReady(r *feedRunner, ready bool) {
	f.mu.Lock()
	r.ready = ready
	f.mu.Unlock()
}

func (f *Feed) stopRunner(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// A Subscribe may have raced in after the hub reported the topic empty.
	if f.hub.Subscribers(conversationID) > 0 {
		return
	}
	if r, ok := f.runners[conversationID]; ok {
		r.cancel()
		delete(f.runners, conversationID)
	}
}

func (f *Feed) forget(conversationID string, r *feedRunner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runners[conversationID] == r {
		delete(f.runners, conversationID)
	}
}

func (f *Feed) run(ctx context.Context, conversationID string, r *feedRunner) {
	defer close(r.done)
	defer f.forget(conversationID, r)

	lim := rate.NewLimiter(rate.Every(f.reconnectEvery), f.reconnectBurst)
	failures := 0

	for attempt := 1; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		sink := &FeedSink{
			ready: func() {
				failures = 0
				f.log.Info("feed.listen", "conversation_id", conversationID, "attempt", attempt)
				f.setReady(r, true)
				f.hub.Signal(conversationID, realtime.EventResumed, nil)
			},
			deliver: func(b []byte) { f.deliver(conversationID, b) },
			gap: func() {
				f.log.Info("feed.gap", "conversation_id", conversationID)
				f.hub.Signal(conversationID, realtime.EventResumed, nil)
			},
		}

		err := f.listen(ctx, conversationID, sink)
		f.setReady(r, false)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("listener stopped")
		}

		failures++
		f.log.Info("feed.listen.fail", "conversation_id", conversationID, "failures", failures, "err", err)

		terminal := realtime.IsForbidden(err) || realtime.IsUnauthorized(err)
		if terminal || failures >= f.maxFailures {
			f.log.Warn("feed.give_up", "conversation_id", conversationID, "failures", failures, "err", err)
			f.hub.Signal(conversationID, realtime.EventFailed, &realtime.SubscriptionError{
				ConversationID: conversationID,
				Attempts:       failures,
				Err:            err,
			})
			return
		}
	}
}

func (f *Feed) deliver(conversationID string, payload []byte) {
	ev, err := decodeChangeJSON(payload)
	if err != nil {
		f.log.Info("feed.drop", "conversation_id", conversationID, "reason", "malformed", "err", err)
		return
	}
	if ev.ConversationID != conversationID {
		f.log.Info("feed.drop", "conversation_id", conversationID, "reason", "foreign_conversation", "event_conversation_id", ev.ConversationID)
		return
	}
	f.hub.Publish(ev)
}
