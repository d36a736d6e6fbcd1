package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/cmd/internal/realtime"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresJoiner resolves change-feed rows into joined messages with a single-row
// query. Rows the current user cannot read (or that no longer exist) fail to join.
type PostgresJoiner struct {
	pool   *pgxpool.Pool
	ident  realtime.Identity
	schema string
}

// NewPostgresJoiner constructs a joiner reading as the user yielded by ident.
func NewPostgresJoiner(pool *pgxpool.Pool, ident realtime.Identity, opts ...PostgresOption) (*PostgresJoiner, error) {
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
	return &PostgresJoiner{pool: pool, ident: ident, schema: cfg.schema}, nil
}

// Join implements realtime.Joiner.
func (j *PostgresJoiner) Join(ctx context.Context, r realtime.Row) (realtime.Message, error) {
	userID, err := j.ident.CurrentUserID(ctx)
	if err != nil {
		return realtime.Message{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return realtime.Message{}, realtime.ErrForbidden
	}

	messages := pgIdent(j.schema, "messages")
	users := pgIdent(j.schema, "users")
	members := pgIdent(j.schema, "conversation_members")

	m, err := scanJoined(j.pool.QueryRow(ctx,
		`SELECT `+joinedColumns+`
		   FROM `+messages+` m
		   LEFT JOIN `+users+` u ON u.id = m.author_id
		  WHERE m.id = $1
		    AND m.conversation_id = $2
		    AND EXISTS (SELECT 1 FROM `+members+` cm WHERE cm.conversation_id = m.conversation_id AND cm.user_id = $3)`,
		r.ID, r.ConversationID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return realtime.Message{}, fmt.Errorf("message %s not visible: %w", r.ID, realtime.ErrForbidden)
	}
	if err != nil {
		return realtime.Message{}, fmt.Errorf("join message %s: %w", r.ID, err)
	}
	return m, nil
}
