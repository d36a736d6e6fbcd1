package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatsync/cmd/internal/realtime"
	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// TokenFunc yields the bearer token sent in hello.
type TokenFunc func(ctx context.Context) (string, error)

// WSChannelConfig configures the relay client.
type WSChannelConfig struct {
	// URL of the relay endpoint (ws:// or wss://).
	URL string
	// Origin is sent as the Origin header when set.
	Origin string
	// Token yields the bearer token for hello.
	Token TokenFunc
	// WriteTimeout bounds each outgoing frame.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds dial + hello + subscribe.
	HandshakeTimeout time.Duration
}

// NewWSChannel returns a Feed that subscribes through a relay gateway, one connection
// per conversation.
func NewWSChannel(log *slog.Logger, cfg WSChannelConfig, opts ...FeedOption) (*Feed, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("remote: empty relay url")
	}
	if cfg.Token == nil {
		return nil, errors.New("remote: nil token func")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	l := &wsListener{cfg: cfg}
	return NewFeed(log, "ws", l.listen, opts...)
}

type wsListener struct {
	cfg WSChannelConfig
}

func (l *wsListener) listen(ctx context.Context, conversationID string, sink *FeedSink) error {
	token, err := l.cfg.Token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w: %w", realtime.ErrUnauthorized, err)
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer hsCancel()

	dialOpts := &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}}
	if l.cfg.Origin != "" {
		dialOpts.HTTPHeader = http.Header{"Origin": []string{l.cfg.Origin}}
	}
	conn, _, err := websocket.Dial(hsCtx, l.cfg.URL, dialOpts)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxFrameBytes)

	if err := l.write(hsCtx, conn, v1.TypeHello, "", v1.HelloPayload{Token: token}); err != nil {
		return err
	}
	if _, err := l.await(hsCtx, conn, v1.TypeHelloAck, nil); err != nil {
		return err
	}

	if err := l.write(hsCtx, conn, v1.TypeSubscribe, conversationID, v1.SubscribePayload{ConversationID: conversationID}); err != nil {
		return err
	}
	// Changes may overtake the ack; they are delivered as they come.
	if _, err := l.await(hsCtx, conn, v1.TypeSubscribeAck, sink); err != nil {
		return err
	}
	sink.Ready()

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return err
		}
		if err := l.handle(env, sink); err != nil {
			return err
		}
	}
}

// await reads until an envelope of type want arrives. Change envelopes read meanwhile
// go to sink when it is non-nil.
func (l *wsListener) await(ctx context.Context, conn *websocket.Conn, want string, sink *FeedSink) (v1.Envelope, error) {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return v1.Envelope{}, err
		}
		if env.Type == want {
			return env, nil
		}
		if env.Type == v1.TypeChange && sink == nil {
			continue
		}
		if err := l.handle(env, sink); err != nil {
			return v1.Envelope{}, err
		}
	}
}

func (l *wsListener) handle(env v1.Envelope, sink *FeedSink) error {
	switch env.Type {
	case v1.TypeChange:
		sink.Deliver(env.Payload)
		return nil
	case v1.TypeError:
		var p v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("relay error: %w", err)
		}
		return l.relayError(p, sink)
	default:
		return nil
	}
}

func (l *wsListener) relayError(p v1.ErrorPayload, sink *FeedSink) error {
	switch p.Code {
	case v1.CodeResync:
		if sink != nil {
			sink.Gap()
		}
		return nil
	case v1.CodeUnauthorized:
		return fmt.Errorf("relay: %s: %w", p.Message, realtime.ErrUnauthorized)
	case v1.CodeForbidden:
		return fmt.Errorf("relay: %s: %w", p.Message, realtime.ErrForbidden)
	default:
		return fmt.Errorf("relay: %s: %s", p.Code, p.Message)
	}
}

func (l *wsListener) write(ctx context.Context, conn *websocket.Conn, typ, convID string, payload any) error {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), convID, payload, now)
	if err != nil {
		return err
	}
	return writeEnvelope(ctx, conn, env, l.cfg.WriteTimeout)
}
