package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/cmd/internal/remote"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool from the config and validates connectivity. With
// CHATSYNC_DB_ENSURE_SCHEMA it also creates the schema's tables.
//
// Every PostgreSQL feed subscription holds one pooled connection for LISTEN, so
// CHATSYNC_DB_MAX_CONNS bounds concurrent conversations as well as queries.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("config: CHATSYNC_DATABASE_URL is not set")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse CHATSYNC_DATABASE_URL: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = "chatsync"
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.DBEnsureSchema {
		if err := remote.EnsureSchema(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
