// Package realtime keeps a local view of a conversation's messages consistent with a remote
// authoritative store: an initial snapshot from a BulkLoader reconciled with a live
// EventChannel, deduplicated and ordered by a MessageStore, orchestrated by a Session.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a message.
type Kind string

const (
	KindText       Kind = "text"
	KindSystem     Kind = "system"
	KindTaskUpdate Kind = "task_update"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindSystem, KindTaskUpdate:
		return true
	default:
		return false
	}
}

// ParseKind converts a wire value into a Kind. Empty defaults to KindText.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return KindText, nil
	}
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown message kind: %q", s)
	}
	return k, nil
}

// AuthorProfile is the denormalized author data joined onto a message.
type AuthorProfile struct {
	DisplayName string
	AvatarRef   string
}

// Message is a display-ready message: a row joined with its author profile.
type Message struct {
	ID             string
	ConversationID string
	AuthorID       string
	Content        string
	Kind           Kind
	Metadata       json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Author         AuthorProfile
}

// Row is a message row as delivered by a change feed, before the profile join.
type Row struct {
	ID             string
	ConversationID string
	AuthorID       string
	Content        string
	Kind           Kind
	Metadata       json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WithAuthor joins the row with an author profile.
func (r Row) WithAuthor(p AuthorProfile) Message {
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		AuthorID:       r.AuthorID,
		Content:        r.Content,
		Kind:           r.Kind,
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Author:         p,
	}
}

// Patch is an update delta. Nil fields are absent and left untouched on merge.
// Updates never carry the author profile.
type Patch struct {
	ID        string
	Content   *string
	Kind      *Kind
	Metadata  json.RawMessage
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

// PatchFromRow builds a patch that carries every row field except the author.
func PatchFromRow(r Row) Patch {
	content := r.Content
	kind := r.Kind
	p := Patch{
		ID:       r.ID,
		Content:  &content,
		Kind:     &kind,
		Metadata: r.Metadata,
	}
	if !r.CreatedAt.IsZero() {
		created := r.CreatedAt
		p.CreatedAt = &created
	}
	if !r.UpdatedAt.IsZero() {
		updated := r.UpdatedAt
		p.UpdatedAt = &updated
	}
	return p
}

// apply merges the present patch fields into m.
func (p Patch) apply(m Message) Message {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Kind != nil {
		m.Kind = *p.Kind
	}
	if p.Metadata != nil {
		m.Metadata = p.Metadata
	}
	if p.CreatedAt != nil {
		m.CreatedAt = *p.CreatedAt
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	return m
}

// NewMessage is an outgoing message submitted through a Writer.
// The remote store assigns ID and CreatedAt.
type NewMessage struct {
	ConversationID string
	AuthorID       string
	Content        string
	Kind           Kind
	Metadata       json.RawMessage
}
