package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mediabroker/internal/broker"
	"mediabroker/internal/client"
)

func init() {
	rootCmd.AddCommand(createCmd, listCmd, showCmd, removeCmd)
	createCmd.Flags().BoolP("unattended", "u", false, "Create an unattended session that expires instead of polling for heartbeats")
	createCmd.Flags().Duration("expire", 0, "Expiry window of an unattended session (broker default when zero)")
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		unattended, _ := cmd.Flags().GetBool("unattended")
		expire, _ := cmd.Flags().GetDuration("expire")
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			created, err := c.CreateSession(ctx, !unattended, expire)
			if err != nil {
				return err
			}
			return printJSON(cmd, created)
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			infos, err := c.Sessions(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "N\tID\tATTENDED\tENGINE\tSTATE\tAGE\tSOURCE")
			for _, info := range infos {
				n, _ := broker.SessionNumber(info.ID)
				engineType := info.Engine
				if engineType == "" {
					engineType = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%s\t%s\n",
					n, info.ID, info.Attended, engineType, info.State,
					time.Since(info.CreatedAt).Truncate(time.Second), info.Source)
			}
			return w.Flush()
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show a session and its cached configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			session, err := c.Session(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, session)
		})
	},
}

var removeCmd = &cobra.Command{
	Use:     "rm <session>...",
	Aliases: []string{"remove"},
	Short:   "Remove sessions",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			for _, id := range args {
				if err := c.RemoveSession(ctx, id); err != nil {
					return fmt.Errorf("%s: %w", client.SessionID(id), err)
				}
			}
			return nil
		})
	},
}
