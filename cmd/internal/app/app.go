// Package app wires the chatsync runtime: config, logging, backends, the relay server
// and the tail loop used by cmd/chattail.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"chatsync/cmd/internal/identity"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/remote"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the relay server runtime: it owns the HTTP server, the gateway and the
// upstream resources behind it.
type App struct {
	cfg     Config
	log     Logger
	reg     *prometheus.Registry
	handler http.Handler
	closers []func()
}

// New constructs a relay App from config. The upstream feed and the membership check
// come from CHATSYNC_RELAY_UPSTREAM.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.ValidateRelay(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(os.Stderr, cfg)
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	closers := []func(){pool.Close}
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	members, err := remote.NewPostgresMembershipStore(pool, remote.WithSchema(cfg.DBSchema))
	if err != nil {
		return fail(err)
	}
	ready := func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) }

	feedOpts := []remote.FeedOption{
		remote.WithReconnect(cfg.ReconnectEvery, cfg.ReconnectBurst),
		remote.WithMaxFailures(cfg.MaxFeedFailures),
	}
	var upstream *remote.Feed
	switch cfg.RelayUpstream {
	case BackendPostgres:
		upstream, err = remote.NewPostgresFeed(log, pool, []remote.PostgresOption{remote.WithSchema(cfg.DBSchema)}, feedOpts...)
	case BackendRedis:
		client, cerr := NewRedisClient(ctx, cfg)
		if cerr != nil {
			return fail(fmt.Errorf("open redis: %w", cerr))
		}
		closers = append(closers, func() { _ = client.Close() })
		ready = func(ctx context.Context) error {
			if err := PingDB(ctx, pool, 2*time.Second); err != nil {
				return err
			}
			return PingRedis(ctx, client, 2*time.Second)
		}
		upstream, err = remote.NewRedisFeed(log, client, cfg.RedisPrefix, feedOpts...)
	}
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { _ = upstream.Close() })

	a, err := newApp(cfg, log, upstream, members, ready)
	if err != nil {
		return fail(err)
	}
	a.closers = closers
	return a, nil
}

// newApp builds the HTTP surface around an upstream feed.
func newApp(cfg Config, log Logger, upstream realtime.EventChannel, members remote.MembershipStore, ready ReadyFunc) (*App, error) {
	verifier, err := identity.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gwCfg := remote.DefaultGatewayConfig()
	gwCfg.AllowedOrigins = cfg.AllowedOrigins
	gwCfg.OriginRequired = cfg.OriginRequired
	gwCfg.DevInsecure = cfg.DevInsecure

	gw, err := remote.NewWSGateway(log, upstream, verifier, members,
		remote.WithGatewayConfig(gwCfg),
		remote.WithGatewayMetrics(remote.NewGatewayMetrics(reg)),
	)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, ready, reg, gw)

	return &App{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		handler: WithRequestLogging(mux, log),
	}, nil
}

// Handler returns the relay's HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run listens on CHATSYNC_HTTP_ADDR and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails, then shuts down and
// releases the upstream resources.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.Close()

	// Relay sessions outlive ServeHTTP's request context once hijacked, so they hang
	// off a base context that is cancelled at shutdown.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	addr := ln.Addr().String()
	a.log.Info("server.start",
		"addr", addr,
		"ws_url", wsBaseURL(runtimeBaseURL(addr))+"/ws",
		"upstream", a.cfg.RelayUpstream,
		"dev_insecure", a.cfg.DevInsecure,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		cancelBase()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close releases upstream resources. Serve calls it on return.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// IssueToken mints a relay token for userID with CHATSYNC_JWT_SECRET.
func IssueToken(cfg Config, userID string, now time.Time) (string, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return "", errors.New("config: CHATSYNC_JWT_SECRET is not set")
	}
	return identity.Issue([]byte(cfg.JWTSecret), userID, identity.DefaultIssuer, now, cfg.TokenTTL)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
