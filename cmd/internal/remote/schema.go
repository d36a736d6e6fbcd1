package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the tables used by the PostgreSQL adapters and the directory
// store if they do not exist. It is meant for dev setups and integration tests.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("remote: nil pool")
	}
	if !isValidPGIdent(schema) {
		return errors.New("remote: invalid schema identifier")
	}

	users := pgIdent(schema, "users")
	conversations := pgIdent(schema, "conversations")
	members := pgIdent(schema, "conversation_members")
	messages := pgIdent(schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id           TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  avatar_ref   TEXT NOT NULL DEFAULT '',
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[3]s (
  id           TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  owner_id     TEXT NOT NULL,
  join_code    TEXT NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_conversations_join_code UNIQUE (join_code)
);

CREATE TABLE IF NOT EXISTS %[4]s (
  conversation_id TEXT NOT NULL REFERENCES %[3]s(id) ON DELETE CASCADE,
  user_id         TEXT NOT NULL,
  role            TEXT NOT NULL CHECK (role IN ('owner', 'member')),
  joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_members_user
  ON %[4]s (user_id);

CREATE TABLE IF NOT EXISTS %[5]s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %[3]s(id) ON DELETE CASCADE,
  author_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  kind            TEXT NOT NULL DEFAULT 'text' CHECK (kind IN ('text', 'system', 'task_update')),
  metadata        JSONB,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %[5]s (conversation_id, created_at ASC, id ASC);
`, pgx.Identifier{schema}.Sanitize(), users, conversations, members, messages)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
