package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"chatsync/cmd/internal/app"
	"chatsync/cmd/internal/directory"

	"github.com/spf13/cobra"
)

func convCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conv",
		Short: "Manage conversations and their members",
	}
	cmd.AddCommand(
		convListCmd(),
		convCreateCmd(),
		convJoinCmd(),
		convLeaveCmd(),
		convMembersCmd(),
		convAddCmd(),
		convRemoveCmd(),
	)
	return cmd
}

// withDirectory runs fn with the configured directory and the current user id.
func withDirectory(fn func(ctx context.Context, svc *directory.Service, userID string) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ident, _, err := app.NewIdentity(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	userID, err := ident.CurrentUserID(ctx)
	if err != nil {
		return err
	}
	svc, closeFn, err := app.OpenDirectory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ctx, svc, userID)
}

func convListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the conversations you belong to, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, svc *directory.Service, userID string) error {
				convs, err := svc.List(ctx, userID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tROLE\tCODE\tCREATED")
				for _, c := range convs {
					code := c.JoinCode
					if c.Role != directory.RoleOwner {
						code = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.DisplayName, c.Role, code, c.CreatedAt.Local().Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
}

func convCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a conversation you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, svc *directory.Service, userID string) error {
				c, err := svc.Create(ctx, userID, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (join code %s)\n", c.ID, c.JoinCode)
				return nil
			})
		},
	}
}

func convJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <code>",
		Short: "Join a conversation by its join code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, svc *directory.Service, userID string) error {
				c, joined, err := svc.Join(ctx, userID, args[0])
				if err != nil {
					return err
				}
				if !joined {
					fmt.Fprintf(cmd.OutOrStdout(), "already a member of %s (%s)\n", c.ID, c.DisplayName)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "joined %s (%s)\n", c.ID, c.DisplayName)
				return nil
			})
		},
	}
}

func convLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <conversation-id>",
		Short: "Leave a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, svc *directory.Service, userID string) error {
				return svc.Leave(ctx, userID, args[0])
			})
		},
	}
}

func convMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <conversation-id>",
		Short: "List a conversation's members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, svc *directory.Service, userID string) error {
				members, err := svc.Members(ctx, userID, args[0])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER\tROLE\tJOINED")
				for _, m := range members {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", m.UserID, m.Role, m.JoinedAt.Local().Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
}

func convAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <conversation-id> <user-id>",
		Short: "Add a member (owner only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, svc *directory.Service, userID string) error {
				return svc.AddMember(ctx, userID, args[0], args[1])
			})
		},
	}
}

func convRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <conversation-id> <user-id>",
		Short: "Remove a member (owner only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, svc *directory.Service, userID string) error {
				return svc.RemoveMember(ctx, userID, args[0], args[1])
			})
		},
	}
}
