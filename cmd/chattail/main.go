// Command chattail follows chatsync conversations from a terminal and runs the relay
// server that fans change feeds out over WebSockets.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/cmd/internal/app"
	"chatsync/cmd/internal/remote"

	"github.com/spf13/cobra"
)

var envFile string

func main() {
	root := &cobra.Command{
		Use:           "chattail",
		Short:         "Live conversation views over PostgreSQL, Redis or the chatsync relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")

	root.AddCommand(tailCmd())
	root.AddCommand(relayCmd())
	root.AddCommand(convCmd())
	root.AddCommand(schemaCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chattail:", err)
		os.Exit(1)
	}
}

// setup loads config and the process logger.
func setup() (app.Config, app.Logger, error) {
	cfg, err := app.LoadConfig(envFile)
	if err != nil {
		return app.Config{}, nil, err
	}
	return cfg, app.NewLogger(os.Stderr, cfg), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func tailCmd() *cobra.Command {
	var (
		send        bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Follow a conversation and print changes as they arrive",
		Long: `Loads the conversation, subscribes to its change feed and prints inserts (+),
edits (~) and deletes (-). With --send, lines read from stdin are posted; the
commands /edit <id> <text>, /delete <id> and /reload are also accepted. With
--metrics-addr, session and send metrics are served at /metrics.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			opts := app.TailOptions{
				ConversationID: args[0],
				Send:           send,
				In:             cmd.InOrStdin(),
				Out:            cmd.OutOrStdout(),
			}
			if metricsAddr != "" {
				ln, err := net.Listen("tcp", metricsAddr)
				if err != nil {
					return fmt.Errorf("metrics listen: %w", err)
				}
				defer ln.Close()
				opts.MetricsListener = ln
			}
			return app.Tail(ctx, cfg, log, opts)
		},
	}
	cmd.Flags().BoolVar(&send, "send", false, "post lines read from stdin")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	return cmd
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serve the WebSocket relay, health checks and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create or upgrade the PostgreSQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			pool, err := app.NewDBPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := remote.EnsureSchema(ctx, pool, cfg.DBSchema); err != nil {
				return err
			}
			log.Info("schema.ready", "schema", cfg.DBSchema)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a relay token signed with CHATSYNC_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(envFile)
			if err != nil {
				return err
			}
			if ttl > 0 {
				cfg.TokenTTL = ttl
			}
			tok, err := app.IssueToken(cfg, args[0], time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default CHATSYNC_TOKEN_TTL)")
	return cmd
}
