package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/realtime"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures  = 3
	wsMaxSubscriptions = 16
)

// TokenVerifier authenticates the bearer token carried by hello.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// GatewayConfig holds the relay's connection policy.
type GatewayConfig struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allowlist ("*" allows any origin).
	AllowedOrigins []string
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c *GatewayConfig) normalize() {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
}

// WSGateway relays an upstream EventChannel to WebSocket clients.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// authenticates hello with a TokenVerifier and checks membership before every subscribe.
type WSGateway struct {
	log      *slog.Logger
	upstream realtime.EventChannel
	verifier TokenVerifier
	members  MembershipStore
	metrics  *GatewayMetrics

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway) error

// WithGatewayConfig replaces the default connection policy.
func WithGatewayConfig(cfg GatewayConfig) GatewayOption {
	return func(g *WSGateway) error {
		g.cfg = cfg
		return nil
	}
}

// WithGatewayMetrics records relay activity.
func WithGatewayMetrics(m *GatewayMetrics) GatewayOption {
	return func(g *WSGateway) error {
		g.metrics = m
		return nil
	}
}

// NewWSGateway constructs a relay gateway.
func NewWSGateway(log *slog.Logger, upstream realtime.EventChannel, verifier TokenVerifier, members MembershipStore, opts ...GatewayOption) (*WSGateway, error) {
	if upstream == nil {
		return nil, errors.New("remote: nil upstream")
	}
	if verifier == nil {
		return nil, errors.New("remote: nil token verifier")
	}
	if members == nil {
		return nil, errors.New("remote: nil membership store")
	}
	if log == nil {
		log = slog.Default()
	}

	g := &WSGateway{
		log:      log,
		upstream: upstream,
		verifier: verifier,
		members:  members,
		cfg:      DefaultGatewayConfig(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	g.cfg.normalize()

	// websocket.Accept enforces its own origin policy (same host, or OriginPatterns for
	// cross-origin). Deriving the patterns from the allowlist keeps both layers in agreement.
	g.originPatterns = deriveOriginPatterns(g.cfg.AllowedOrigins)
	return g, nil
}

// ServeHTTP upgrades the request and runs the relay session.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.reject("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.metrics.reject("subprotocol")
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	s := &relaySession{
		g:      g,
		conn:   conn,
		client: newRelayClient(newSessionID(), g.cfg.SendQueueSize),
		subs:   make(map[string]realtime.Handle),
	}
	g.metrics.connOpen()
	defer g.metrics.connClose()

	s.run(r.Context())
}

// relaySession is the state of one relay connection.
type relaySession struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *relayClient

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]realtime.Handle

	closeOnce sync.Once
}

// shutdown is idempotent. It releases upstream subscriptions before signalling the
// client, so no handler enqueues into a torn-down session for long.
func (s *relaySession) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for id, h := range s.subs {
			_ = h.Close()
			delete(s.subs, id)
		}
		s.mu.Unlock()

		s.client.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *relaySession) run(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	defer s.cancel()

	log := s.g.log.With("session_id", s.client.SessionID)
	cfg := s.g.cfg

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.client.Done():
				return
			case env := <-s.client.Send:
				if err := writeEnvelope(s.ctx, s.conn, env, cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					s.shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				s.g.metrics.frame("out", env.Type)
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(s.ctx, cfg.HeartbeatTimeout)
				err := s.conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	lim := rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateEvents)), cfg.RateEvents)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(s.ctx, cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				s.sendError("", v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}
		s.g.metrics.frame("in", env.Type)

		if !lim.Allow() {
			s.sendError("", v1.CodeRateLimited, "too many events")
			s.g.metrics.reject("rate_limited")
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			s.sendError(env.ConvID, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := s.onHello(env); err != nil {
				log.Info("ws.hello.fail", "err", err)
				s.sendError("", v1.CodeUnauthorized, "hello failed")
				s.g.metrics.reject("unauthorized")
				s.shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeSubscribe:
			if s.client.UserID() == "" {
				s.sendError(env.ConvID, v1.CodeNotReady, "hello first")
				continue readLoop
			}
			if code, err := s.onSubscribe(env); err != nil {
				log.Info("ws.subscribe.fail", "code", code, "err", err)
				s.sendError(env.ConvID, code, err.Error())
				continue readLoop
			}

		case v1.TypeUnsubscribe:
			s.onUnsubscribe(env)

		default:
			s.sendError(env.ConvID, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (s *relaySession) onHello(env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	token := strings.TrimSpace(p.Token)
	if token == "" {
		return errors.New("missing token")
	}

	userID, err := s.g.verifier.Verify(s.ctx, token)
	if err != nil {
		return err
	}
	s.client.setUser(userID)
	s.g.log.Info("ws.hello", "session_id", s.client.SessionID, "user_id", userID)

	return s.send(v1.TypeHelloAck, "", v1.HelloAckPayload{SessionID: s.client.SessionID, UserID: userID})
}

func (s *relaySession) onSubscribe(env v1.Envelope) (string, error) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return v1.CodeBadEnvelope, fmt.Errorf("invalid payload: %w", err)
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return v1.CodeBadEnvelope, errors.New("missing conversation_id")
	}

	s.mu.Lock()
	_, already := s.subs[convID]
	count := len(s.subs)
	s.mu.Unlock()

	if already {
		return "", s.send(v1.TypeSubscribeAck, convID, v1.SubscribeAckPayload{ConversationID: convID})
	}
	if count >= wsMaxSubscriptions {
		return v1.CodeRateLimited, errors.New("too many subscriptions")
	}

	ok, err := s.g.members.IsMember(s.ctx, s.client.UserID(), convID)
	if err != nil {
		return v1.CodeInternal, errors.New("membership check failed")
	}
	if !ok {
		s.g.metrics.reject("forbidden")
		return v1.CodeForbidden, errors.New("not a member")
	}

	h, err := s.g.upstream.Subscribe(s.ctx, convID, s.relay(convID))
	if err != nil {
		return v1.CodeInternal, errors.New("subscribe failed")
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = h.Close()
		return v1.CodeInternal, errors.New("session closed")
	}
	s.subs[convID] = h
	s.mu.Unlock()

	s.g.log.Info("ws.subscribe", "session_id", s.client.SessionID, "conversation_id", convID)
	return "", s.send(v1.TypeSubscribeAck, convID, v1.SubscribeAckPayload{ConversationID: convID})
}

func (s *relaySession) onUnsubscribe(env v1.Envelope) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(env.ConvID, v1.CodeBadEnvelope, "invalid payload")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)

	s.mu.Lock()
	h := s.subs[convID]
	delete(s.subs, convID)
	s.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
}

// relay forwards upstream events of one conversation to the client. A client that
// cannot keep up is disconnected; on reconnect it resynchronizes.
func (s *relaySession) relay(convID string) realtime.Handler {
	return func(ev realtime.Event) {
		var err error
		switch ev.Type {
		case realtime.EventInsert, realtime.EventUpdate, realtime.EventDelete:
			var p v1.ChangePayload
			p, err = EncodeChange(ev)
			if err == nil {
				err = s.send(v1.TypeChange, convID, p)
			}
		case realtime.EventResumed:
			err = s.send(v1.TypeError, convID, v1.ErrorPayload{Code: v1.CodeResync, Message: "deltas may have been missed"})
		case realtime.EventFailed:
			err = s.send(v1.TypeError, convID, v1.ErrorPayload{Code: v1.CodeFeedFailed, Message: "upstream feed unavailable"})
		default:
			return
		}
		if err != nil {
			s.g.log.Info("ws.relay.fail", "session_id", s.client.SessionID, "conversation_id", convID, "err", err)
			s.shutdown(websocket.StatusPolicyViolation, "slow consumer")
		}
	}
}

// ---- send helpers ----

func (s *relaySession) send(typ, convID string, payload any) error {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), convID, payload, now)
	if err != nil {
		return err
	}
	if !s.client.Enqueue(env) {
		return fmt.Errorf("backpressure: %s", typ)
	}
	return nil
}

func (s *relaySession) sendError(convID, code, msg string) {
	_ = s.send(v1.TypeError, convID, v1.ErrorPayload{Code: code, Message: msg})
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns returns the sorted, de-duplicated hosts of the allowlist, in the
// form websocket.Accept matches against. Accept compares host:port, so every host also
// gets an any-port pattern.
func deriveOriginPatterns(allowed []string) []string {
	out := make([]string, 0, 2*len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return slices.Compact(out)
}
