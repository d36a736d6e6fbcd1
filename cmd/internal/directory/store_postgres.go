package directory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations in the tables created by remote.EnsureSchema.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "chatsync").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "chatsync"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// ListForUser implements Store.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.display_name, c.owner_id, c.join_code, c.created_at, COALESCE(m.role, 'owner')
		   FROM `+s.table("conversations")+` c
		   LEFT JOIN `+s.table("conversation_members")+` m
		     ON m.conversation_id = c.id AND m.user_id = $1
		  WHERE m.user_id IS NOT NULL OR c.owner_id = $1
		  ORDER BY c.created_at DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c    Conversation
			role string
		)
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.OwnerID, &c.JoinCode, &c.CreatedAt, &role); err != nil {
			return nil, err
		}
		c.Role = Role(role)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Create implements Store. The conversation and its owner membership commit together.
func (s *PostgresStore) Create(ctx context.Context, in CreateRecord) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.OwnerID) == "" || strings.TrimSpace(in.JoinCode) == "" {
		return Conversation{}, ErrInvalidInput
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, display_name, owner_id, join_code, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		in.ID, in.DisplayName, in.OwnerID, in.JoinCode, in.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_conversations_join_code" {
			return Conversation{}, ErrCodeConflict
		}
		return Conversation{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversation_members")+` (conversation_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4)`,
		in.ID, in.OwnerID, string(RoleOwner), in.CreatedAt,
	); err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}

	return Conversation{
		ID:          in.ID,
		DisplayName: in.DisplayName,
		OwnerID:     in.OwnerID,
		JoinCode:    in.JoinCode,
		CreatedAt:   in.CreatedAt,
		Role:        RoleOwner,
	}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	return s.getBy(ctx, "id", conversationID)
}

// FindByJoinCode implements Store.
func (s *PostgresStore) FindByJoinCode(ctx context.Context, code string) (Conversation, error) {
	return s.getBy(ctx, "join_code", code)
}

func (s *PostgresStore) getBy(ctx context.Context, column, value string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, owner_id, join_code, created_at
		   FROM `+s.table("conversations")+`
		  WHERE `+pgx.Identifier{column}.Sanitize()+` = $1`,
		value,
	).Scan(&c.ID, &c.DisplayName, &c.OwnerID, &c.JoinCode, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	return c, nil
}

// Members implements Store.
func (s *PostgresStore) Members(ctx context.Context, conversationID string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, user_id, role, joined_at
		   FROM `+s.table("conversation_members")+`
		  WHERE conversation_id = $1
		  ORDER BY joined_at ASC, user_id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m    Member
			role string
		)
		if err := rows.Scan(&m.ConversationID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMember implements Store.
func (s *PostgresStore) AddMember(ctx context.Context, m Member) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("conversation_members")+` (conversation_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		m.ConversationID, m.UserID, string(m.Role), m.JoinedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return false, ErrNotFound
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveMember implements Store.
func (s *PostgresStore) RemoveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table("conversation_members")+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// IsMember implements Store.
func (s *PostgresStore) IsMember(ctx context.Context, userID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+s.table("conversation_members")+` WHERE conversation_id = $1 AND user_id = $2`,
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

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}
