package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/cmd/internal/realtime"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLoader is a realtime.BulkLoader over PostgreSQL.
//
// The membership check and every history page run inside one read-only
// repeatable-read transaction, so the snapshot is consistent across pages.
//
// Ownership model: the pool belongs to the caller.
type PostgresLoader struct {
	pool     *pgxpool.Pool
	ident    realtime.Identity
	schema   string
	pageSize int
}

// NewPostgresLoader constructs a loader reading as the user yielded by ident.
func NewPostgresLoader(pool *pgxpool.Pool, ident realtime.Identity, opts ...PostgresOption) (*PostgresLoader, error) {
	cfg, err := newPGConfig(opts)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("remote: nil pool")
	}
	if ident == nil {
		return nil, errors.New("remote: nil identity")
	}
	return &PostgresLoader{pool: pool, ident: ident, schema: cfg.schema, pageSize: cfg.pageSize}, nil
}

// Fetch returns the full joined history of conversationID.
func (l *PostgresLoader) Fetch(ctx context.Context, conversationID string) ([]realtime.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, realtime.NewFetchError(conversationID, realtime.ErrUnknown, errors.New("missing conversation_id"))
	}

	userID, err := l.ident.CurrentUserID(ctx)
	if err != nil || strings.TrimSpace(userID) == "" {
		return nil, realtime.NewFetchError(conversationID, realtime.ErrForbidden, err)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, realtime.NewFetchError(conversationID, classifyPG(err), err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ok, err := isMember(ctx, tx, pgIdent(l.schema, "conversation_members"), userID, conversationID)
	if err != nil {
		return nil, realtime.NewFetchError(conversationID, classifyPG(err), err)
	}
	if !ok {
		return nil, realtime.NewFetchError(conversationID, realtime.ErrForbidden, nil)
	}

	var (
		out       []realtime.Message
		afterTS   time.Time
		afterID   string
		firstPage = true
	)
	for {
		page, err := l.page(ctx, tx, conversationID, firstPage, afterTS, afterID)
		if err != nil {
			return nil, realtime.NewFetchError(conversationID, classifyPG(err), err)
		}
		out = append(out, page...)
		if len(page) < l.pageSize {
			break
		}
		last := page[len(page)-1]
		afterTS, afterID, firstPage = last.CreatedAt, last.ID, false
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, realtime.NewFetchError(conversationID, classifyPG(err), err)
	}
	return out, nil
}

func (l *PostgresLoader) page(ctx context.Context, tx pgx.Tx, conversationID string, first bool, afterTS time.Time, afterID string) ([]realtime.Message, error) {
	messages := pgIdent(l.schema, "messages")
	users := pgIdent(l.schema, "users")

	var (
		rows pgx.Rows
		err  error
	)
	if first {
		rows, err = tx.Query(ctx,
			`SELECT `+joinedColumns+`
			   FROM `+messages+` m
			   LEFT JOIN `+users+` u ON u.id = m.author_id
			  WHERE m.conversation_id = $1
			  ORDER BY m.created_at ASC, m.id ASC
			  LIMIT $2`,
			conversationID, l.pageSize,
		)
	} else {
		rows, err = tx.Query(ctx,
			`SELECT `+joinedColumns+`
			   FROM `+messages+` m
			   LEFT JOIN `+users+` u ON u.id = m.author_id
			  WHERE m.conversation_id = $1 AND (m.created_at, m.id) > ($2, $3)
			  ORDER BY m.created_at ASC, m.id ASC
			  LIMIT $4`,
			conversationID, afterTS, afterID, l.pageSize,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]realtime.Message, 0, l.pageSize)
	for rows.Next() {
		m, err := scanJoined(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const joinedColumns = `m.id, m.conversation_id, m.author_id, m.content, m.kind, m.metadata,
       m.created_at, m.updated_at, COALESCE(u.display_name, m.author_id), COALESCE(u.avatar_ref, '')`

func scanJoined(row pgx.Row) (realtime.Message, error) {
	var (
		m        realtime.Message
		kind     string
		metadata []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.AuthorID,
		&m.Content,
		&kind,
		&metadata,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.Author.DisplayName,
		&m.Author.AvatarRef,
	); err != nil {
		return realtime.Message{}, err
	}

	k, err := realtime.ParseKind(kind)
	if err != nil {
		return realtime.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Kind = k
	if metadata != nil {
		m.Metadata = json.RawMessage(metadata)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}
