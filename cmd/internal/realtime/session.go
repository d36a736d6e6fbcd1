package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// State is the Session lifecycle state.
type State uint8

const (
	// StateIdle: no active conversation.
	StateIdle State = iota
	// StateLoading: snapshot fetch in flight.
	StateLoading
	// StateLive: snapshot applied and change feed subscribed.
	StateLive
	// StateSwitchingOut: the previous subscription is being released.
	StateSwitchingOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateSwitchingOut:
		return "switching_out"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionClosed is returned by operations on a closed Session.
	ErrSessionClosed = errors.New("realtime: session closed")

	// ErrNoConversation is returned by Reload when nothing was ever activated.
	ErrNoConversation = errors.New("realtime: no conversation to reload")
)

// Status is a point-in-time view of a Session.
type Status struct {
	State          State
	ConversationID string

	// Err is the terminal error of the last activation (state Idle), or the
	// subscription error behind Degraded.
	Err error

	// Degraded: the change feed gave up; the view is no longer live. Reload to recover.
	Degraded bool

	// Resyncing: a re-snapshot after a delivery gap is in flight.
	Resyncing bool
}

// Entry is a message labelled for rendering.
type Entry struct {
	Message
	Own bool
}

// delta is a change ready to be applied to the store (inserts are already joined).
type delta struct {
	typ   EventType
	msg   Message
	patch Patch
	id    string
}

// Session orchestrates BulkLoader, EventChannel and MessageStore for the active
// conversation.
//
// Concurrency model:
//   - every state mutation runs under mu and never performs I/O, so handlers run to
//     completion one at a time (the event loop)
//   - fetches and joins run on their own goroutines and report back tagged with the
//     activation generation; results for a stale generation are discarded
//   - EventChannel.Subscribe runs outside mu, serialized by subMu so a stale handle is
//     closed before the next conversation subscribes
//   - deltas arriving while a snapshot is being (re)applied are buffered and drained
//     right after MessageStore.Initialize; an EventResumed that arrives before Live
//     schedules a resync for right after it
type Session struct {
	log     *slog.Logger
	loader  BulkLoader
	channel EventChannel
	joiner  Joiner
	ident   Identity
	metrics *Metrics

	fetchAttempts   int
	fetchBackoff    time.Duration
	fetchBackoffMax time.Duration
	joinTimeout     time.Duration
	maxBuffered     int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	updates    chan struct{}

	subMu sync.Mutex

	mu        sync.Mutex
	state     State
	convID    string
	lastID    string
	gen       uint64
	cancel    context.CancelFunc
	handle    Handle
	store     *MessageStore
	buffering bool
	pending   []delta
	lastErr   error
	degraded  bool
	resyncing bool
	resumed   bool
	closed    bool
}

// SessionOption configures a Session.
type SessionOption func(*Session) error

// WithFetchRetry sets the bounded retry policy for transient snapshot failures.
func WithFetchRetry(attempts int, backoff time.Duration) SessionOption {
	return func(s *Session) error {
		if attempts <= 0 {
			return errors.New("realtime: fetch attempts must be positive")
		}
		if backoff < 0 {
			return errors.New("realtime: negative fetch backoff")
		}
		s.fetchAttempts = attempts
		s.fetchBackoff = backoff
		if s.fetchBackoffMax < backoff {
			s.fetchBackoffMax = backoff
		}
		return nil
	}
}

// WithIdentity sets the identity used to label own messages in Entries.
func WithIdentity(ident Identity) SessionOption {
	return func(s *Session) error {
		s.ident = ident
		return nil
	}
}

// WithMetrics records session activity.
func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) error {
		s.metrics = m
		return nil
	}
}

// WithJoinTimeout bounds the profile join of a single insert event.
func WithJoinTimeout(d time.Duration) SessionOption {
	return func(s *Session) error {
		if d <= 0 {
			return errors.New("realtime: join timeout must be positive")
		}
		s.joinTimeout = d
		return nil
	}
}

// NewSession constructs an idle Session.
func NewSession(log *slog.Logger, loader BulkLoader, channel EventChannel, joiner Joiner, opts ...SessionOption) (*Session, error) {
	if loader == nil {
		return nil, errors.New("realtime: nil loader")
	}
	if channel == nil {
		return nil, errors.New("realtime: nil event channel")
	}
	if joiner == nil {
		return nil, errors.New("realtime: nil joiner")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		log:             log,
		loader:          loader,
		channel:         channel,
		joiner:          joiner,
		fetchAttempts:   defaultFetchAttempts,
		fetchBackoff:    defaultFetchBackoff,
		fetchBackoffMax: defaultFetchBackoffMax,
		joinTimeout:     10 * time.Second,
		maxBuffered:     defaultMaxBuffered,
		updates:         make(chan struct{}, 1),
		store:           NewMessageStore(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s, nil
}

// Activate makes conversationID the active conversation.
//
// Re-activating the conversation that is already loading or live is a no-op.
// Switching closes the current subscription before anything for the new
// conversation is started.
func (s *Session) Activate(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("realtime: empty conversation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if s.convID == conversationID && (s.state == StateLive || s.state == StateLoading) {
		s.log.Debug("session.activate.skip", "conversation_id", conversationID, "state", s.state.String())
		return nil
	}

	if s.state == StateLive || s.state == StateLoading {
		s.switchOutLocked()
	}
	s.startLoadLocked(conversationID)
	return nil
}

// Deactivate releases the active conversation, if any.
func (s *Session) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivateLocked()
}

// Reload discards the current view and loads the current (or last failed)
// conversation again. It is the recovery action for Degraded and terminal fetch errors.
func (s *Session) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	id := s.convID
	if id == "" {
		id = s.lastID
	}
	if id == "" {
		return ErrNoConversation
	}
	if s.state == StateLive || s.state == StateLoading {
		s.switchOutLocked()
	}
	s.startLoadLocked(id)
	return nil
}

// Close deactivates and releases the session. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.deactivateLocked()
	s.closed = true
	s.mu.Unlock()

	s.baseCancel()
	return nil
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:          s.state,
		ConversationID: s.convID,
		Err:            s.lastErr,
		Degraded:       s.degraded,
		Resyncing:      s.resyncing,
	}
}

// View returns the ordered messages of the active conversation.
func (s *Session) View() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.View()
}

// Entries returns View labelled with whether each message was written by the
// current user. Without an identity nothing is labelled as own.
func (s *Session) Entries(ctx context.Context) ([]Entry, error) {
	var me string
	if s.ident != nil {
		id, err := s.ident.CurrentUserID(ctx)
		if err != nil {
			return nil, err
		}
		me = id
	}

	msgs := s.View()
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{Message: m, Own: me != "" && m.AuthorID == me})
	}
	return out, nil
}

// Updates returns a channel that receives a value after state or view changes.
// Notifications are coalesced; consumers should re-read Status and View.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// ---- transitions (mu held) ----

func (s *Session) transitionLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.transition(from, to)
	s.log.Info("session.state", "from", from.String(), "to", to.String(), "conversation_id", s.convID)
	s.notifyLocked()
}

func (s *Session) switchOutLocked() {
	s.transitionLocked(StateSwitchingOut)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.log.Info("session.handle.close.fail", "conversation_id", s.convID, "err", err)
		}
		s.handle = nil
	}
	s.buffering = false
	s.pending = nil
	s.resyncing = false
	s.resumed = false
	s.degraded = false
}

func (s *Session) startLoadLocked(conversationID string) {
	s.gen++
	s.convID = conversationID
	s.lastID = conversationID
	s.lastErr = nil
	s.degraded = false
	s.store.Initialize(nil)
	s.buffering = true
	s.pending = nil
	s.resumed = false
	s.transitionLocked(StateLoading)

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	go s.load(ctx, s.gen, conversationID, false)
}

func (s *Session) deactivateLocked() {
	if s.state == StateLive || s.state == StateLoading {
		s.switchOutLocked()
	}
	s.gen++
	s.convID = ""
	s.lastErr = nil
	s.store.Initialize(nil)
	s.transitionLocked(StateIdle)
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// ---- snapshot loading ----

// load fetches a snapshot and applies it if gen is still current. With resync set, the
// session is already Live and only the store contents are replaced.
func (s *Session) load(ctx context.Context, gen uint64, conversationID string, resync bool) {
	msgs, err := s.fetchWithRetry(ctx, conversationID)

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		s.log.Debug("session.fetch.stale", "conversation_id", conversationID)
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if resync {
		s.finishResyncLocked(msgs, err)
		s.mu.Unlock()
		return
	}

	if err != nil {
		s.log.Info("session.fetch.fail", "conversation_id", conversationID, "err", err)
		s.buffering = false
		s.pending = nil
		s.lastErr = err
		s.convID = ""
		s.transitionLocked(StateIdle)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.subscribe(gen, conversationID, msgs)
}

// subscribe opens the change feed for a fetched snapshot and goes Live.
func (s *Session) subscribe(gen uint64, conversationID string, msgs []Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if !s.current(gen) {
		return
	}
	h, err := s.channel.Subscribe(s.baseCtx, conversationID, s.handlerFor(gen, conversationID))

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		s.log.Debug("session.subscribe.stale", "conversation_id", conversationID)
		if h != nil {
			if err := h.Close(); err != nil {
				s.log.Info("session.handle.close.fail", "conversation_id", conversationID, "err", err)
			}
		}
		return
	}
	defer s.mu.Unlock()

	if err != nil {
		// The snapshot is valid but will not be kept live.
		s.log.Warn("session.subscribe.fail", "conversation_id", conversationID, "err", err)
		s.degraded = true
		s.lastErr = &SubscriptionError{ConversationID: conversationID, Attempts: 1, Err: err}
	} else {
		s.handle = h
	}

	s.store.Initialize(msgs)
	s.transitionLocked(StateLive)
	s.drainLocked()
	s.log.Info("session.live", "conversation_id", conversationID, "messages", s.store.Len())

	if s.resumed {
		s.resumed = false
		s.startResyncLocked(gen)
	}
}

func (s *Session) finishResyncLocked(msgs []Message, err error) {
	s.resyncing = false
	if err != nil {
		// Keep the current contents; buffered deltas still apply on top of them.
		s.log.Info("session.resync.fail", "conversation_id", s.convID, "err", err)
	} else {
		s.store.Initialize(msgs)
		s.log.Info("session.resync.done", "conversation_id", s.convID, "messages", len(msgs))
	}
	s.drainLocked()
	if s.resumed {
		s.resumed = false
		s.startResyncLocked(s.gen)
	}
}

func (s *Session) drainLocked() {
	pending := s.pending
	s.pending = nil
	s.buffering = false
	for _, d := range pending {
		s.applyLocked(d)
	}
	s.notifyLocked()
}

func (s *Session) fetchWithRetry(ctx context.Context, conversationID string) ([]Message, error) {
	var err error
	attempts := 0
	for attempts < s.fetchAttempts {
		attempts++

		start := time.Now()
		var msgs []Message
		msgs, err = s.loader.Fetch(ctx, conversationID)
		s.metrics.fetch(errorOutcome(err), time.Since(start))
		if err == nil {
			return msgs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) || attempts == s.fetchAttempts {
			break
		}

		wait := s.backoff(attempts)
		s.log.Info("session.fetch.retry", "conversation_id", conversationID, "attempt", attempts, "wait", wait, "err", err)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, asFetchError(conversationID, err, attempts)
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.fetchBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.fetchBackoffMax {
			return s.fetchBackoffMax
		}
	}
	return d
}

func asFetchError(conversationID string, err error, attempts int) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		out := *fe
		out.Attempts = attempts
		return &out
	}
	kind := ErrUnknown
	switch {
	case IsForbidden(err):
		kind = ErrForbidden
	case IsTransient(err):
		kind = ErrTransient
	}
	return &FetchError{ConversationID: conversationID, Kind: kind, Attempts: attempts, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ---- change feed ----

func (s *Session) handlerFor(gen uint64, conversationID string) Handler {
	return func(ev Event) { s.onEvent(gen, conversationID, ev) }
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && !s.closed
}

func (s *Session) onEvent(gen uint64, conversationID string, ev Event) {
	if !s.current(gen) {
		s.metrics.event(ev.Type, "stale")
		return
	}
	if ev.ConversationID != "" && ev.ConversationID != conversationID {
		s.log.Info("session.event.drop", "conversation_id", conversationID, "reason", "foreign_conversation", "event_conversation_id", ev.ConversationID)
		s.metrics.event(ev.Type, "dropped")
		return
	}

	switch ev.Type {
	case EventInsert:
		if ev.Row.ID == "" {
			s.dropMalformed(conversationID, ev)
			return
		}
		msg, err := s.join(ev.Row)
		if err != nil {
			jerr := &EventJoinError{MessageID: ev.Row.ID, Err: err}
			s.log.Info("session.event.drop", "conversation_id", conversationID, "reason", "join_failed", "err", jerr)
			s.metrics.event(ev.Type, "join_failed")
			return
		}
		s.apply(gen, delta{typ: EventInsert, msg: msg})

	case EventUpdate:
		if ev.Patch.ID == "" {
			s.dropMalformed(conversationID, ev)
			return
		}
		s.apply(gen, delta{typ: EventUpdate, patch: ev.Patch})

	case EventDelete:
		if ev.ID == "" {
			s.dropMalformed(conversationID, ev)
			return
		}
		s.apply(gen, delta{typ: EventDelete, id: ev.ID})

	case EventResumed:
		s.onResumed(gen)

	case EventFailed:
		s.onFailed(gen, conversationID, ev.Err)

	default:
		s.dropMalformed(conversationID, ev)
	}
}

func (s *Session) dropMalformed(conversationID string, ev Event) {
	s.log.Info("session.event.drop", "conversation_id", conversationID, "reason", "malformed", "type", ev.Type.String())
	s.metrics.event(ev.Type, "dropped")
}

func (s *Session) join(row Row) (Message, error) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.joinTimeout)
	defer cancel()
	return s.joiner.Join(ctx, row)
}

func (s *Session) apply(gen uint64, d delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.closed {
		s.metrics.event(d.typ, "stale")
		return
	}
	if s.buffering {
		if len(s.pending) >= s.maxBuffered {
			s.log.Warn("session.buffer.overflow", "conversation_id", s.convID, "max", s.maxBuffered)
			s.metrics.event(d.typ, "dropped")
			return
		}
		s.pending = append(s.pending, d)
		return
	}
	s.applyLocked(d)
	s.notifyLocked()
}

func (s *Session) applyLocked(d delta) {
	switch d.typ {
	case EventInsert:
		out := s.store.ApplyInsert(d.msg)
		if out == InsertDuplicate {
			s.log.Debug("session.insert.duplicate", "conversation_id", s.convID, "message_id", d.msg.ID)
		}
		s.metrics.event(d.typ, out.String())

	case EventUpdate:
		out := s.store.ApplyUpdate(d.patch)
		if out == UpdateNotFound {
			s.log.Info("session.update.not_found", "conversation_id", s.convID, "message_id", d.patch.ID)
		}
		s.metrics.event(d.typ, out.String())

	case EventDelete:
		out := s.store.ApplyDelete(d.id)
		if out == DeleteNotFound {
			s.log.Info("session.delete.not_found", "conversation_id", s.convID, "message_id", d.id)
		}
		s.metrics.event(d.typ, out.String())
	}
}

// onResumed re-snapshots after a delivery gap. Deltas received meanwhile are buffered.
func (s *Session) onResumed(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.closed {
		return
	}
	s.metrics.event(EventResumed, "applied")
	switch s.state {
	case StateLoading:
		s.resumed = true
	case StateLive:
		s.degraded = false
		s.startResyncLocked(gen)
	}
}

func (s *Session) startResyncLocked(gen uint64) {
	if s.resyncing {
		// The fetch in flight may predate this gap.
		s.resumed = true
		return
	}
	s.log.Info("session.resync.start", "conversation_id", s.convID)
	s.resyncing = true
	s.buffering = true

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	go s.load(ctx, gen, s.convID, true)
	s.notifyLocked()
}

func (s *Session) onFailed(gen uint64, conversationID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.closed {
		return
	}
	if err == nil {
		err = errors.New("change feed unavailable")
	}
	var se *SubscriptionError
	if !errors.As(err, &se) {
		err = &SubscriptionError{ConversationID: conversationID, Err: err}
	}

	s.log.Warn("session.degraded", "conversation_id", conversationID, "err", err)
	s.metrics.event(EventFailed, "applied")
	s.degraded = true
	s.lastErr = err
	s.notifyLocked()
}
