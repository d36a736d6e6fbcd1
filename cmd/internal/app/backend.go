package app

import (
	"context"
	"fmt"
	"strings"

	"chatsync/cmd/internal/directory"
	"chatsync/cmd/internal/identity"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/remote"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend bundles the capabilities a session and its send path consume.
type Backend struct {
	Loader   realtime.BulkLoader
	Channel  realtime.EventChannel
	Joiner   realtime.Joiner
	Writer   realtime.Writer
	Identity realtime.Identity

	closers []func()
}

// Close releases feeds, clients and pools in reverse order of creation.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func (b *Backend) onClose(fn func()) { b.closers = append(b.closers, fn) }

// NewIdentity returns the current-user source configured by CHATSYNC_TOKEN or
// CHATSYNC_USER_ID. The token is verified locally only when CHATSYNC_JWT_SECRET is set.
func NewIdentity(cfg Config) (realtime.Identity, *identity.JWTSource, error) {
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		var key []byte
		if cfg.JWTSecret != "" {
			key = []byte(cfg.JWTSecret)
		}
		src, err := identity.NewJWTSource(tok, key)
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil
	}
	return identity.Static(cfg.UserID), nil, nil
}

// OpenBackend wires the configured backend. The caller must Close it.
func OpenBackend(ctx context.Context, cfg Config, log Logger) (*Backend, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	ident, jwtSrc, err := NewIdentity(cfg)
	if err != nil {
		return nil, err
	}

	b := &Backend{Identity: ident}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	feedOpts := []remote.FeedOption{
		remote.WithReconnect(cfg.ReconnectEvery, cfg.ReconnectBurst),
		remote.WithMaxFailures(cfg.MaxFeedFailures),
	}

	if cfg.Backend == BackendMemory {
		userID, err := ident.CurrentUserID(ctx)
		if err != nil {
			return nil, err
		}
		mem, err := remote.NewMemory(log)
		if err != nil {
			return nil, err
		}
		c := mem.As(userID)
		b.Loader, b.Channel, b.Joiner, b.Writer = c, c, c, c
		log.Info("backend.open", "backend", cfg.Backend, "user_id", userID)
		ok = true
		return b, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	b.onClose(pool.Close)

	pgOpts := []remote.PostgresOption{remote.WithSchema(cfg.DBSchema), remote.WithPageSize(cfg.PageSize)}
	loader, err := remote.NewPostgresLoader(pool, ident, pgOpts...)
	if err != nil {
		return nil, err
	}
	joiner, err := remote.NewPostgresJoiner(pool, ident, pgOpts...)
	if err != nil {
		return nil, err
	}
	b.Loader, b.Joiner = loader, joiner

	writerOpts := pgOpts
	var feed *remote.Feed
	switch cfg.Backend {
	case BackendPostgres:
		feed, err = remote.NewPostgresFeed(log, pool, pgOpts, feedOpts...)

	case BackendRedis:
		client, cerr := NewRedisClient(ctx, cfg)
		if cerr != nil {
			return nil, fmt.Errorf("open redis: %w", cerr)
		}
		b.onClose(func() { _ = client.Close() })

		pub, perr := remote.NewRedisPublisher(client, cfg.RedisPrefix)
		if perr != nil {
			return nil, perr
		}
		writerOpts = append(append([]remote.PostgresOption(nil), pgOpts...), remote.WithPublisher(pub))
		feed, err = remote.NewRedisFeed(log, client, cfg.RedisPrefix, feedOpts...)

	case BackendRelay:
		feed, err = remote.NewWSChannel(log, remote.WSChannelConfig{
			URL:    relayURL(cfg),
			Origin: cfg.RelayOrigin,
			Token:  jwtSrc.Token,
		}, feedOpts...)
	}
	if err != nil {
		return nil, err
	}
	b.onClose(func() { _ = feed.Close() })
	b.Channel = feed

	writer, err := remote.NewPostgresWriter(log, pool, writerOpts...)
	if err != nil {
		return nil, err
	}
	b.Writer = writer

	log.Info("backend.open", "backend", cfg.Backend, "schema", cfg.DBSchema)
	ok = true
	return b, nil
}

// OpenDirectory returns the conversation directory of the configured backend. The
// memory directory lives only as long as the process.
func OpenDirectory(ctx context.Context, cfg Config, log Logger) (*directory.Service, func(), error) {
	if cfg.Backend == BackendMemory {
		log.Warn("directory.memory", "note", "conversations are not persisted")
		svc, err := directory.NewService(directory.NewMemoryStore())
		return svc, func() {}, err
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil, fmt.Errorf("config: backend %s requires CHATSYNC_DATABASE_URL", cfg.Backend)
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	svc, err := newPostgresDirectory(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return svc, pool.Close, nil
}

func newPostgresDirectory(pool *pgxpool.Pool, cfg Config) (*directory.Service, error) {
	store, err := directory.NewPostgresStore(pool, directory.WithSchema(cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	return directory.NewService(store)
}
