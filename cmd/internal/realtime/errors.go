package realtime

import (
	"errors"
	"fmt"
)

// Error kinds. Typed errors below wrap exactly one kind so callers can branch with errors.Is.
var (
	// ErrForbidden: the caller is not allowed to read the conversation (not a current member).
	ErrForbidden = errors.New("forbidden")

	// ErrTransient: a network/availability failure that may succeed on retry.
	ErrTransient = errors.New("transient failure")

	// ErrUnknown: any other remote failure.
	ErrUnknown = errors.New("unknown failure")

	// ErrInvalid: a send request failed local validation; nothing was sent.
	ErrInvalid = errors.New("invalid message")

	// ErrUnauthorized: the write was rejected for the caller identity.
	ErrUnauthorized = errors.New("unauthorized")
)

// FetchError is returned by BulkLoader implementations and surfaced by Session.Status.
type FetchError struct {
	ConversationID string
	Kind           error
	Attempts       int
	Err            error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %v", e.ConversationID, e.Kind)
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewFetchError wraps cause under kind. Kind defaults to ErrUnknown.
func NewFetchError(conversationID string, kind, cause error) *FetchError {
	if kind == nil {
		kind = ErrUnknown
	}
	return &FetchError{ConversationID: conversationID, Kind: kind, Err: cause}
}

// SendError is returned by SendPath.
type SendError struct {
	ConversationID string
	Kind           error
	Reason         string
	Err            error
}

func (e *SendError) Error() string {
	msg := fmt.Sprintf("send %s: %v", e.ConversationID, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SendError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalid(conversationID, reason string) *SendError {
	return &SendError{ConversationID: conversationID, Kind: ErrInvalid, Reason: reason}
}

// EventJoinError reports that an insert event could not be joined with its author profile.
// The event is dropped.
type EventJoinError struct {
	MessageID string
	Err       error
}

func (e *EventJoinError) Error() string {
	return fmt.Sprintf("join message %s: %v", e.MessageID, e.Err)
}

func (e *EventJoinError) Unwrap() error { return e.Err }

// SubscriptionError reports that an EventChannel could not re-establish delivery.
type SubscriptionError struct {
	ConversationID string
	Attempts       int
	Err            error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: gave up after %d attempts: %v", e.ConversationID, e.Attempts, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// IsForbidden reports whether err carries ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsTransient reports whether err carries ErrTransient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsInvalid reports whether err carries ErrInvalid.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }

// IsUnauthorized reports whether err carries ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }
