// Package v1 defines the chatsync realtime protocol v1 contract.
//
// The change payload is shared by every change-feed transport (PostgreSQL NOTIFY, Redis
// pub/sub and the WebSocket relay), so a row change looks the same on all of them.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by the relay.
const Subprotocol = "chatsync.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake and carries the bearer token (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe requests the change feed of one conversation (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribeAck confirms that delivery for the conversation started (server -> client).
	TypeSubscribeAck = "subscribe_ack"
	// TypeUnsubscribe releases a subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeChange carries one ChangePayload (server -> client).
	TypeChange = "change"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadJSON      = "bad_json"
	CodeBadEnvelope  = "bad_envelope"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotReady     = "hello_required"
	CodeRateLimited  = "rate_limited"
	CodeUnsupported  = "unsupported"
	CodeInternal     = "internal"
	CodeResync       = "resync"
	CodeFeedFailed   = "feed_failed"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribeAck,
		TypeUnsubscribe,
		TypeChange,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload identifies the authenticated session.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SubscribePayload names the conversation to subscribe to (or unsubscribe from).
type SubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// SubscribeAckPayload confirms a subscription.
type SubscribeAckPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- Change feed ----

// Op is a row operation.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// MessageRecord is a message row on the wire. Every field except ID is optional so an
// UPDATE can carry only what changed.
type MessageRecord struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	AuthorID       string          `json:"author_id,omitempty"`
	Content        *string         `json:"content,omitempty"`
	Kind           *string         `json:"kind,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
	UpdatedAt      *time.Time      `json:"updated_at,omitempty"`
}

// ChangePayload describes one row change of the messages table.
type ChangePayload struct {
	Op             Op             `json:"op"`
	ConversationID string         `json:"conversation_id"`
	Record         *MessageRecord `json:"record,omitempty"`
	OldID          string         `json:"old_id,omitempty"`
}

// Validate checks that the payload carries what its Op requires.
func (p ChangePayload) Validate() error {
	if strings.TrimSpace(p.ConversationID) == "" {
		return errors.New("missing field: conversation_id")
	}
	switch p.Op {
	case OpInsert:
		if p.Record == nil || p.Record.ID == "" {
			return errors.New("insert: missing record.id")
		}
		if p.Record.AuthorID == "" || p.Record.Content == nil || p.Record.CreatedAt == nil {
			return errors.New("insert: incomplete record")
		}
	case OpUpdate:
		if p.Record == nil || p.Record.ID == "" {
			return errors.New("update: missing record.id")
		}
	case OpDelete:
		if p.OldID == "" {
			return errors.New("delete: missing old_id")
		}
	default:
		return fmt.Errorf("unknown op: %q", p.Op)
	}
	if p.Record != nil && p.Record.ConversationID != "" && p.Record.ConversationID != p.ConversationID {
		return errors.New("record.conversation_id does not match conversation_id")
	}
	return nil
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id, convID string, payload any, ts time.Time) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ID: id, ConvID: convID, TS: ts}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}
