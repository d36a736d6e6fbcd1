package remote

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MembershipStore defines the authorization boundary for conversation reads.
type MembershipStore interface {
	// IsMember returns true if userID is a current member of conversationID.
	IsMember(ctx context.Context, userID, conversationID string) (bool, error)
}

// MembershipFunc adapts a function to MembershipStore.
type MembershipFunc func(ctx context.Context, userID, conversationID string) (bool, error)

// IsMember implements MembershipStore.
func (f MembershipFunc) IsMember(ctx context.Context, userID, conversationID string) (bool, error) {
	return f(ctx, userID, conversationID)
}

// PostgresMembershipStore checks membership via <schema>.conversation_members.
type PostgresMembershipStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresMembershipStore constructs a membership store backed by PostgreSQL.
func NewPostgresMembershipStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresMembershipStore, error) {
	cfg, err := newPGConfig(opts)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("remote: nil pool")
	}
	return &PostgresMembershipStore{pool: pool, schema: cfg.schema}, nil
}

// IsMember checks if userID is a member of conversationID.
func (s *PostgresMembershipStore) IsMember(ctx context.Context, userID, conversationID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("remote: nil membership store")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return isMember(ctx, s.pool, pgIdent(s.schema, "conversation_members"), userID, conversationID)
}

// queryRower is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isMember(ctx context.Context, q queryRower, membersTable, userID, conversationID string) (bool, error) {
	var one int
	err := q.QueryRow(ctx,
		`SELECT 1 FROM `+membersTable+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
