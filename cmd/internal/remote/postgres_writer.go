package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsync/cmd/internal/realtime"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresWriter is a realtime.Writer over PostgreSQL.
//
// Every change is written and announced with pg_notify in the same transaction, so
// listeners only ever see committed rows. Extra publishers (Redis) run after commit;
// their failures are logged, not returned.
type PostgresWriter struct {
	log        *slog.Logger
	pool       *pgxpool.Pool
	schema     string
	publishers []Publisher
}

// NewPostgresWriter constructs a writer.
func NewPostgresWriter(log *slog.Logger, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresWriter, error) {
	cfg, err := newPGConfig(opts)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("remote: nil pool")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresWriter{log: log, pool: pool, schema: cfg.schema, publishers: cfg.publishers}, nil
}

// InsertMessage inserts a message authored by in.AuthorID, who must be a member.
func (w *PostgresWriter) InsertMessage(ctx context.Context, in realtime.NewMessage) error {
	if strings.TrimSpace(in.ConversationID) == "" || strings.TrimSpace(in.AuthorID) == "" {
		return fmt.Errorf("insert: missing ids: %w", realtime.ErrInvalid)
	}
	kind := in.Kind
	if kind == "" {
		kind = realtime.KindText
	}

	now := time.Now().UTC()
	id, err := NewMessageID(now)
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}

	var payload []byte
	err = w.inTx(ctx, func(tx pgx.Tx) error {
		ok, err := isMember(ctx, tx, pgIdent(w.schema, "conversation_members"), in.AuthorID, in.ConversationID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("insert into %s: %w", in.ConversationID, realtime.ErrForbidden)
		}

		var metadata any
		if in.Metadata != nil {
			metadata = string(in.Metadata)
		}

		row := realtime.Row{
			ID:             id,
			ConversationID: in.ConversationID,
			AuthorID:       in.AuthorID,
			Content:        in.Content,
			Kind:           kind,
			Metadata:       in.Metadata,
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO `+pgIdent(w.schema, "messages")+` (id, conversation_id, author_id, content, kind, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			 RETURNING created_at, updated_at`,
			id, in.ConversationID, in.AuthorID, in.Content, string(kind), metadata,
		).Scan(&row.CreatedAt, &row.UpdatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		payload, err = w.notify(ctx, tx, realtime.Event{Type: realtime.EventInsert, ConversationID: in.ConversationID, Row: row})
		return err
	})
	if err != nil {
		return w.classify(err)
	}

	w.publish(ctx, in.ConversationID, payload)
	return nil
}

// EditMessage replaces the content of a message owned by authorID.
func (w *PostgresWriter) EditMessage(ctx context.Context, authorID, messageID, content string) error {
	var (
		convID  string
		payload []byte
	)
	err := w.inTx(ctx, func(tx pgx.Tx) error {
		var updated time.Time
		err := tx.QueryRow(ctx,
			`UPDATE `+pgIdent(w.schema, "messages")+`
			    SET content = $1,
			        updated_at = now()
			  WHERE id = $2 AND author_id = $3
			RETURNING conversation_id, updated_at`,
			content, messageID, authorID,
		).Scan(&convID, &updated)
		if errors.Is(err, pgx.ErrNoRows) {
			return w.missing(ctx, tx, messageID)
		}
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}

		updated = updated.UTC()
		payload, err = w.notify(ctx, tx, realtime.Event{
			Type:           realtime.EventUpdate,
			ConversationID: convID,
			Patch:          realtime.Patch{ID: messageID, Content: &content, UpdatedAt: &updated},
		})
		return err
	})
	if err != nil {
		return w.classify(err)
	}

	w.publish(ctx, convID, payload)
	return nil
}

// DeleteMessage deletes a message owned by authorID.
func (w *PostgresWriter) DeleteMessage(ctx context.Context, authorID, messageID string) error {
	var (
		convID  string
		payload []byte
	)
	err := w.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`DELETE FROM `+pgIdent(w.schema, "messages")+`
			  WHERE id = $1 AND author_id = $2
			RETURNING conversation_id`,
			messageID, authorID,
		).Scan(&convID)
		if errors.Is(err, pgx.ErrNoRows) {
			return w.missing(ctx, tx, messageID)
		}
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}

		payload, err = w.notify(ctx, tx, realtime.Event{Type: realtime.EventDelete, ConversationID: convID, ID: messageID})
		return err
	})
	if err != nil {
		return w.classify(err)
	}

	w.publish(ctx, convID, payload)
	return nil
}

func (w *PostgresWriter) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// missing distinguishes "no such message" from "not yours" after a zero-row write.
func (w *PostgresWriter) missing(ctx context.Context, tx pgx.Tx, messageID string) error {
	var author string
	err := tx.QueryRow(ctx,
		`SELECT author_id FROM `+pgIdent(w.schema, "messages")+` WHERE id = $1`,
		messageID,
	).Scan(&author)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("message %s not found: %w", messageID, realtime.ErrInvalid)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("message %s: %w", messageID, realtime.ErrUnauthorized)
}

func (w *PostgresWriter) notify(ctx context.Context, tx pgx.Tx, ev realtime.Event) ([]byte, error) {
	payload, err := encodeChangeJSON(ev)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxNotifyPayloadBytes {
		return nil, fmt.Errorf("change payload is %d bytes: %w", len(payload), realtime.ErrInvalid)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel(w.schema, ev.ConversationID), string(payload)); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return payload, nil
}

func (w *PostgresWriter) publish(ctx context.Context, conversationID string, payload []byte) {
	for _, p := range w.publishers {
		if err := p.Publish(ctx, conversationID, payload); err != nil {
			w.log.Warn("writer.publish.fail", "conversation_id", conversationID, "err", err)
		}
	}
}

// classify keeps errors that already carry a realtime kind and tags the rest.
func (w *PostgresWriter) classify(err error) error {
	for _, kind := range []error{realtime.ErrInvalid, realtime.ErrUnauthorized, realtime.ErrForbidden, realtime.ErrTransient} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", classifyPG(err), err)
}
