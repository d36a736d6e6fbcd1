// Package remote contains the adapters between the realtime sync engine and an
// authoritative message store: an in-process store, PostgreSQL (pgx), Redis pub/sub and a
// WebSocket relay with its client.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatsync/cmd/internal/realtime"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// EncodeChange converts a row event into its wire payload. Lifecycle events have no
// wire form.
func EncodeChange(ev realtime.Event) (v1.ChangePayload, error) {
	switch ev.Type {
	case realtime.EventInsert:
		return v1.ChangePayload{
			Op:             v1.OpInsert,
			ConversationID: ev.ConversationID,
			Record:         recordFromRow(ev.Row),
		}, nil

	case realtime.EventUpdate:
		return v1.ChangePayload{
			Op:             v1.OpUpdate,
			ConversationID: ev.ConversationID,
			Record:         recordFromPatch(ev.ConversationID, ev.Patch),
		}, nil

	case realtime.EventDelete:
		return v1.ChangePayload{
			Op:             v1.OpDelete,
			ConversationID: ev.ConversationID,
			OldID:          ev.ID,
		}, nil

	default:
		return v1.ChangePayload{}, fmt.Errorf("remote: %s event has no wire form", ev.Type)
	}
}

// DecodeChange validates a wire payload and converts it into a row event.
func DecodeChange(p v1.ChangePayload) (realtime.Event, error) {
	if err := p.Validate(); err != nil {
		return realtime.Event{}, err
	}

	switch p.Op {
	case v1.OpInsert:
		r, err := rowFromRecord(p.ConversationID, p.Record)
		if err != nil {
			return realtime.Event{}, err
		}
		return realtime.Event{Type: realtime.EventInsert, ConversationID: p.ConversationID, Row: r}, nil

	case v1.OpUpdate:
		patch, err := patchFromRecord(p.Record)
		if err != nil {
			return realtime.Event{}, err
		}
		return realtime.Event{Type: realtime.EventUpdate, ConversationID: p.ConversationID, Patch: patch}, nil

	default:
		return realtime.Event{Type: realtime.EventDelete, ConversationID: p.ConversationID, ID: p.OldID}, nil
	}
}

// decodeChangeJSON is the entry point for transports that deliver raw payload bytes.
func decodeChangeJSON(b []byte) (realtime.Event, error) {
	var p v1.ChangePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return realtime.Event{}, fmt.Errorf("decode change: %w", err)
	}
	return DecodeChange(p)
}

func encodeChangeJSON(ev realtime.Event) ([]byte, error) {
	p, err := EncodeChange(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func recordFromRow(r realtime.Row) *v1.MessageRecord {
	content := r.Content
	kind := string(r.Kind)
	rec := &v1.MessageRecord{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		AuthorID:       r.AuthorID,
		Content:        &content,
		Kind:           &kind,
		Metadata:       r.Metadata,
	}
	if !r.CreatedAt.IsZero() {
		created := r.CreatedAt.UTC()
		rec.CreatedAt = &created
	}
	if !r.UpdatedAt.IsZero() {
		updated := r.UpdatedAt.UTC()
		rec.UpdatedAt = &updated
	}
	return rec
}

func recordFromPatch(conversationID string, p realtime.Patch) *v1.MessageRecord {
	rec := &v1.MessageRecord{
		ID:             p.ID,
		ConversationID: conversationID,
		Content:        p.Content,
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.Kind != nil {
		kind := string(*p.Kind)
		rec.Kind = &kind
	}
	return rec
}

func rowFromRecord(conversationID string, rec *v1.MessageRecord) (realtime.Row, error) {
	if rec == nil {
		return realtime.Row{}, errors.New("missing record")
	}
	kind, err := realtime.ParseKind(deref(rec.Kind))
	if err != nil {
		return realtime.Row{}, err
	}
	r := realtime.Row{
		ID:             rec.ID,
		ConversationID: conversationID,
		AuthorID:       rec.AuthorID,
		Content:        deref(rec.Content),
		Kind:           kind,
		Metadata:       rec.Metadata,
	}
	if rec.CreatedAt != nil {
		r.CreatedAt = rec.CreatedAt.UTC()
	}
	if rec.UpdatedAt != nil {
		r.UpdatedAt = rec.UpdatedAt.UTC()
	} else {
		r.UpdatedAt = r.CreatedAt
	}
	return r, nil
}

func patchFromRecord(rec *v1.MessageRecord) (realtime.Patch, error) {
	p := realtime.Patch{
		ID:        rec.ID,
		Content:   rec.Content,
		Metadata:  rec.Metadata,
		CreatedAt: utcPtr(rec.CreatedAt),
		UpdatedAt: utcPtr(rec.UpdatedAt),
	}
	if rec.Kind != nil {
		kind, err := realtime.ParseKind(*rec.Kind)
		if err != nil {
			return realtime.Patch{}, err
		}
		p.Kind = &kind
	}
	return p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
