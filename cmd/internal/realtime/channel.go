package realtime

import (
	"context"
	"encoding/json"
)

// EventType tags a change-feed event.
type EventType uint8

const (
	// EventInsert carries a new Row (not yet joined with its author).
	EventInsert EventType = iota + 1
	// EventUpdate carries a Patch.
	EventUpdate
	// EventDelete carries the deleted message ID.
	EventDelete
	// EventResumed reports that delivery resumed after a gap; deltas may have been missed.
	EventResumed
	// EventFailed reports that the channel gave up re-establishing delivery.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	case EventResumed:
		return "resumed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one change-feed notification for a single conversation.
type Event struct {
	Type           EventType
	ConversationID string

	Row   Row    // EventInsert
	Patch Patch  // EventUpdate
	ID    string // EventDelete
	Err   error  // EventFailed
}

// MessageID returns the ID of the message the event refers to, if any.
func (e Event) MessageID() string {
	switch e.Type {
	case EventInsert:
		return e.Row.ID
	case EventUpdate:
		return e.Patch.ID
	case EventDelete:
		return e.ID
	default:
		return ""
	}
}

// Handler receives events for one subscription.
// Invocations for a handle are sequential and in delivery order.
type Handler func(Event)

// Handle is an open subscription.
//
// Close releases the subscription. It is idempotent. After it returns no new handler
// invocation starts; an invocation already running may still complete.
type Handle interface {
	Close() error
}

// EventChannel subscribes to the remote change feed of one conversation.
//
// Subscribe must not block on network I/O: connecting and transparent reconnection
// happen inside the implementation, which reports gaps with EventResumed and
// exhaustion with EventFailed. Only one open handle per conversation is expected.
type EventChannel interface {
	Subscribe(ctx context.Context, conversationID string, h Handler) (Handle, error)
}

// BulkLoader fetches a point-in-time snapshot of a conversation through an
// authorization-checked read path. Errors should be *FetchError.
type BulkLoader interface {
	Fetch(ctx context.Context, conversationID string) ([]Message, error)
}

// Joiner resolves a raw row into a fully joined Message.
type Joiner interface {
	Join(ctx context.Context, row Row) (Message, error)
}

// Writer submits changes to the remote store. The remote store is the source of truth
// for IDs and timestamps; results come back through the EventChannel.
type Writer interface {
	InsertMessage(ctx context.Context, in NewMessage) error
	EditMessage(ctx context.Context, authorID, messageID, content string) error
	DeleteMessage(ctx context.Context, authorID, messageID string) error
}

// Identity yields the current user. It is not a security boundary.
type Identity interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// IdentityFunc adapts a function to Identity.
type IdentityFunc func(ctx context.Context) (string, error)

// CurrentUserID implements Identity.
func (f IdentityFunc) CurrentUserID(ctx context.Context) (string, error) { return f(ctx) }

// HandleFunc adapts a function to Handle.
type HandleFunc func() error

// Close implements Handle.
func (f HandleFunc) Close() error { return f() }

// cloneRaw returns an independent copy of raw JSON.
func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
