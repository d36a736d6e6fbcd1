package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"regexp"
	"strings"

	"chatsync/cmd/internal/realtime"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultPGSchema   = "chatsync"
	defaultPGPageSize = 500
	maxPGPageSize     = 5000

	// NOTIFY payloads must stay below 8000 bytes.
	maxNotifyPayloadBytes = 7900
)

// PostgresOption configures the PostgreSQL adapters. Options that do not apply to an
// adapter are ignored by it.
type PostgresOption func(*pgConfig) error

type pgConfig struct {
	schema     string
	pageSize   int
	publishers []Publisher
}

// WithSchema sets the DB schema (default: "chatsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(c *pgConfig) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("remote: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("remote: invalid schema identifier")
		}
		c.schema = schema
		return nil
	}
}

// WithPageSize sets the keyset page size used by the loader.
func WithPageSize(n int) PostgresOption {
	return func(c *pgConfig) error {
		if n <= 0 || n > maxPGPageSize {
			return errors.New("remote: page size out of range")
		}
		c.pageSize = n
		return nil
	}
}

// WithPublisher adds a publisher that receives every committed change (writer only).
func WithPublisher(p Publisher) PostgresOption {
	return func(c *pgConfig) error {
		if p == nil {
			return errors.New("remote: nil publisher")
		}
		c.publishers = append(c.publishers, p)
		return nil
	}
}

func newPGConfig(opts []PostgresOption) (pgConfig, error) {
	c := pgConfig{schema: defaultPGSchema, pageSize: defaultPGPageSize}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&c); err != nil {
			return pgConfig{}, err
		}
	}
	return c, nil
}

// Publisher forwards committed change payloads to another transport.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, payload []byte) error
}

// classifyPG maps a pgx error onto a realtime error kind.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501": // insufficient_privilege (RLS denial)
			return realtime.ErrForbidden
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return realtime.ErrTransient
		case pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return realtime.ErrTransient
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return realtime.ErrTransient
		default:
			return realtime.ErrUnknown
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return realtime.ErrTransient
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return realtime.ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return realtime.ErrTransient
	}
	return realtime.ErrUnknown
}

// notifyChannel returns the NOTIFY channel of a conversation. Channel names are
// identifiers and are truncated by PostgreSQL at 63 bytes, so long ones are hashed.
func notifyChannel(schema, conversationID string) string {
	ch := schema + ":messages:" + conversationID
	if len(ch) <= 63 {
		return ch
	}
	sum := sha256.Sum256([]byte(ch))
	return "messages:" + hex.EncodeToString(sum[:])[:40]
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
