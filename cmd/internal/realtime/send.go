package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// SendPath validates and submits outgoing writes.
//
// There is no optimistic local insert: a sent message becomes visible only when its
// insert event comes back through the EventChannel.
type SendPath struct {
	log     *slog.Logger
	writer  Writer
	ident   Identity
	metrics *Metrics
	maxLen  int
}

// SendOption configures a SendPath.
type SendOption func(*SendPath) error

// WithMaxContentLength overrides the content limit (UTF-16 code units).
func WithMaxContentLength(n int) SendOption {
	return func(p *SendPath) error {
		if n <= 0 {
			return errors.New("realtime: max content length must be positive")
		}
		p.maxLen = n
		return nil
	}
}

// WithSendMetrics records send outcomes.
func WithSendMetrics(m *Metrics) SendOption {
	return func(p *SendPath) error {
		p.metrics = m
		return nil
	}
}

// NewSendPath constructs a SendPath.
func NewSendPath(log *slog.Logger, writer Writer, ident Identity, opts ...SendOption) (*SendPath, error) {
	if writer == nil {
		return nil, errors.New("realtime: nil writer")
	}
	if ident == nil {
		return nil, errors.New("realtime: nil identity")
	}
	if log == nil {
		log = slog.Default()
	}
	p := &SendPath{log: log, writer: writer, ident: ident, maxLen: maxContentUnits}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Send validates and submits a new message. Validation and identity failures are
// returned before any remote call.
func (p *SendPath) Send(ctx context.Context, conversationID, content string, kind Kind, metadata json.RawMessage) error {
	conversationID = strings.TrimSpace(conversationID)
	content = strings.TrimSpace(content)

	if err := p.validate(conversationID, content); err != nil {
		p.metrics.send("insert", errorOutcome(err))
		return err
	}
	if kind == "" {
		kind = KindText
	}
	if !kind.Valid() {
		err := invalid(conversationID, fmt.Sprintf("unknown kind %q", kind))
		p.metrics.send("insert", errorOutcome(err))
		return err
	}
	if metadata != nil && !json.Valid(metadata) {
		err := invalid(conversationID, "metadata is not valid JSON")
		p.metrics.send("insert", errorOutcome(err))
		return err
	}

	authorID, err := p.author(ctx, conversationID)
	if err != nil {
		p.metrics.send("insert", errorOutcome(err))
		return err
	}

	err = p.writer.InsertMessage(ctx, NewMessage{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		Kind:           kind,
		Metadata:       cloneRaw(metadata),
	})
	if err != nil {
		err = classifyWriteErr(conversationID, err)
		p.log.Info("send.fail", "conversation_id", conversationID, "err", err)
		p.metrics.send("insert", errorOutcome(err))
		return err
	}

	p.metrics.send("insert", "ok")
	return nil
}

// Edit replaces the content of one of the caller's messages. The change arrives as an
// update event.
func (p *SendPath) Edit(ctx context.Context, conversationID, messageID, content string) error {
	conversationID = strings.TrimSpace(conversationID)
	content = strings.TrimSpace(content)
	if err := p.validate(conversationID, content); err != nil {
		p.metrics.send("edit", errorOutcome(err))
		return err
	}
	if strings.TrimSpace(messageID) == "" {
		err := invalid(conversationID, "missing message id")
		p.metrics.send("edit", errorOutcome(err))
		return err
	}

	authorID, err := p.author(ctx, conversationID)
	if err != nil {
		p.metrics.send("edit", errorOutcome(err))
		return err
	}

	if err := p.writer.EditMessage(ctx, authorID, messageID, content); err != nil {
		err = classifyWriteErr(conversationID, err)
		p.log.Info("send.edit.fail", "conversation_id", conversationID, "message_id", messageID, "err", err)
		p.metrics.send("edit", errorOutcome(err))
		return err
	}
	p.metrics.send("edit", "ok")
	return nil
}

// Delete removes one of the caller's messages. The change arrives as a delete event.
func (p *SendPath) Delete(ctx context.Context, conversationID, messageID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		err := invalid(conversationID, "missing conversation id")
		p.metrics.send("delete", errorOutcome(err))
		return err
	}
	if strings.TrimSpace(messageID) == "" {
		err := invalid(conversationID, "missing message id")
		p.metrics.send("delete", errorOutcome(err))
		return err
	}

	authorID, err := p.author(ctx, conversationID)
	if err != nil {
		p.metrics.send("delete", errorOutcome(err))
		return err
	}

	if err := p.writer.DeleteMessage(ctx, authorID, messageID); err != nil {
		err = classifyWriteErr(conversationID, err)
		p.log.Info("send.delete.fail", "conversation_id", conversationID, "message_id", messageID, "err", err)
		p.metrics.send("delete", errorOutcome(err))
		return err
	}
	p.metrics.send("delete", "ok")
	return nil
}

func (p *SendPath) validate(conversationID, content string) error {
	if conversationID == "" {
		return invalid(conversationID, "missing conversation id")
	}
	if content == "" {
		return invalid(conversationID, "empty content")
	}
	if n := utf16Len(content); n > p.maxLen {
		return invalid(conversationID, fmt.Sprintf("content too long: %d > %d", n, p.maxLen))
	}
	return nil
}

func (p *SendPath) author(ctx context.Context, conversationID string) (string, error) {
	userID, err := p.ident.CurrentUserID(ctx)
	if err != nil {
		return "", &SendError{ConversationID: conversationID, Kind: ErrUnauthorized, Err: err}
	}
	if strings.TrimSpace(userID) == "" {
		return "", &SendError{ConversationID: conversationID, Kind: ErrUnauthorized, Reason: "no current user"}
	}
	return userID, nil
}

// classifyWriteErr keeps an existing *SendError and otherwise maps the error kind.
func classifyWriteErr(conversationID string, err error) error {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	kind := ErrUnknown
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		kind = ErrUnauthorized
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		kind = ErrTransient
	case errors.Is(err, ErrInvalid):
		kind = ErrInvalid
	}
	return &SendError{ConversationID: conversationID, Kind: kind, Err: err}
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
