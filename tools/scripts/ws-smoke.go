// Package main is a CI-friendly smoke test for the chatsync relay.
//
// It checks the subprotocol handshake, hello/hello_ack for two users, subscribe_ack on a
// shared conversation and, when -forbidden-conv is set, that a non-member subscribe is
// refused. With -wait-change it also waits for a change envelope on both connections
// (post one with `chattail tail <conv> --send` meanwhile). Tokens come from
// `chattail token <user>`.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	userID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL      = flag.String("url", "ws://127.0.0.1:8080/ws", "relay WebSocket URL")
		origin     = flag.String("origin", "http://localhost", "Origin header to send")
		convID     = flag.String("conv", "", "conversation both users belong to")
		forbidden  = flag.String("forbidden-conv", "", "conversation user A must not be able to subscribe to")
		tokenA     = flag.String("token-a", os.Getenv("CHATSYNC_SMOKE_TOKEN_A"), "bearer token of user A")
		tokenB     = flag.String("token-b", os.Getenv("CHATSYNC_SMOKE_TOKEN_B"), "bearer token of user B")
		waitChange = flag.Duration("wait-change", 0, "wait this long for a change envelope on both connections")
		timeout    = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose    = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*convID) == "" {
		fatalf("-conv is required")
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("-token-a and -token-b are required")
	}

	root := context.Background()

	mustRejectForgedToken(root, *wsURL, *origin, *timeout)

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustSubscribe(root, a, *convID, *timeout)
	mustSubscribe(root, b, *convID, *timeout)

	if *forbidden != "" {
		mustSubscribeForbidden(root, a, *forbidden, *timeout)
	}

	if *waitChange > 0 {
		if *verbose {
			fmt.Printf("waiting %s for a change on %s\n", *waitChange, *convID)
		}
		ca := mustReadChange(root, a, *convID, *waitChange)
		cb := mustReadChange(root, b, *convID, *timeout)
		if changeID(ca) != changeID(cb) {
			fatalf("clients saw different changes: A=%s B=%s", changeID(ca), changeID(cb))
		}
	}

	fmt.Printf("OK: A=%s B=%s conv_id=%s\n", a.userID, b.userID, *convID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func dial(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	c := dial(parent, name, wsURL, origin, stepTimeout)
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeHello, name+"-hello", "", v1.HelloPayload{Token: token}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack missing session_id or user_id (%s)", name)
	}
	c.userID = p.UserID
	return c
}

// mustRejectForgedToken expects an unauthorized error followed by a policy close.
func mustRejectForgedToken(parent context.Context, wsURL, origin string, stepTimeout time.Duration) {
	c := dial(parent, "forged", wsURL, origin, stepTimeout)
	defer closeWS(c.conn)

	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeHello, "forged-hello", "", v1.HelloPayload{Token: "forged"}), stepTimeout)
	ep := c.mustReadError(parent, stepTimeout)
	if ep.Code != v1.CodeUnauthorized {
		fatalf("forged token: code=%q want=%q", ep.Code, v1.CodeUnauthorized)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	select {
	case err := <-c.errCh:
		if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
			fatalf("forged token: close status=%v want=%v", status, websocket.StatusPolicyViolation)
		}
	case <-ctx.Done():
		fatalf("forged token: connection not closed")
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := envelope(v1.TypeSubscribe, c.name+"-subscribe", convID, v1.SubscribePayload{ConversationID: convID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeSubscribeAck, stepTimeout)
	var p v1.SubscribeAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal subscribe_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("subscribe_ack conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustSubscribeForbidden(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := envelope(v1.TypeSubscribe, c.name+"-subscribe-forbidden", convID, v1.SubscribePayload{ConversationID: convID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ep := c.mustReadError(parent, stepTimeout)
	if ep.Code != v1.CodeForbidden {
		fatalf("forbidden subscribe (%s): code=%q want=%q", c.name, ep.Code, v1.CodeForbidden)
	}
}

func mustReadChange(parent context.Context, c *smokeClient, convID string, wait time.Duration) v1.ChangePayload {
	env := c.mustReadUntilType(parent, v1.TypeChange, wait)
	var p v1.ChangePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal change payload (%s): %v", c.name, err)
	}
	if err := p.Validate(); err != nil {
		fatalf("invalid change payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("change conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	return p
}

func changeID(p v1.ChangePayload) string {
	if p.Record != nil {
		return string(p.Op) + ":" + p.Record.ID
	}
	return string(p.Op) + ":" + p.OldID
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) next(parent context.Context, what string, stepTimeout time.Duration) v1.Envelope {
	// Envelopes already read win over a close that followed them.
	select {
	case env, ok := <-c.inbox:
		if ok {
			return env
		}
	default:
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %s (%s): %v", what, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %s (%s): %v", what, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %s (%s)", what, c.name)
		}
		return env
	}
	panic("unreachable")
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	env := c.next(parent, wantType, stepTimeout)
	if env.Type == v1.TypeError {
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
	}
	if env.Type != wantType {
		fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
	}
	return env
}

func (c *smokeClient) mustReadError(parent context.Context, stepTimeout time.Duration) v1.ErrorPayload {
	env := c.mustReadUntilType(parent, v1.TypeError, stepTimeout)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		fatalf("unmarshal error payload (%s): %v", c.name, err)
	}
	return ep
}

func envelope(typ, id, convID string, payload any) v1.Envelope {
	env, err := v1.NewEnvelope(typ, id, convID, payload, time.Now().UTC())
	if err != nil {
		fatalf("build %s envelope: %v", typ, err)
	}
	return env
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
