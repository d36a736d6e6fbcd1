package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresFeed returns a Feed that LISTENs on each conversation's NOTIFY channel.
// Each listened conversation holds one pooled connection.
func NewPostgresFeed(log *slog.Logger, pool *pgxpool.Pool, pgOpts []PostgresOption, opts ...FeedOption) (*Feed, error) {
	cfg, err := newPGConfig(pgOpts)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("remote: nil pool")
	}
	l := &pgListener{pool: pool, schema: cfg.schema}
	return NewFeed(log, "postgres", l.listen, opts...)
}

type pgListener struct {
	pool   *pgxpool.Pool
	schema string
}

func (l *pgListener) listen(ctx context.Context, conversationID string, sink *FeedSink) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	channel := pgx.Identifier{notifyChannel(l.schema, conversationID)}.Sanitize()
	defer func() {
		// A connection broken by cancellation is discarded by the pool on Release.
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = conn.Exec(uctx, "UNLISTEN "+channel)
		cancel()
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}
	sink.Ready()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		sink.Deliver([]byte(n.Payload))
	}
}
