package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"mediabroker/internal/client"
)

func init() {
	rootCmd.AddCommand(watchCmd, attachCmd)
	watchCmd.Flags().Bool("reply", true, "Answer heartbeat requests so an attended session stays alive")
	attachCmd.Flags().String("source", "", "Source to set on the new session")
	attachCmd.Flags().Bool("play", false, "Start playback after attaching")
}

type streamLine struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var watchCmd = &cobra.Command{
	Use:   "watch [session]",
	Short: "Stream session events, or registry events without a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return ignoreCancel(c.RegistryEvents(cmd.Context(), printEvent(cmd)))
		}
		reply, _ := cmd.Flags().GetBool("reply")
		return ignoreCancel(follow(cmd, c, args[0], reply))
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Create an attended session and keep it alive until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		source, _ := cmd.Flags().GetString("source")
		play, _ := cmd.Flags().GetBool("play")

		ctx, cancel := requestContext(cmd)
		created, err := c.CreateSession(ctx, true, 0)
		cancel()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "attached to", created.ID)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), viperTimeout())
			defer cancel()
			if err := c.RemoveSession(ctx, created.ID); err != nil {
				log.Warn("remove session on detach", slog.String("session", created.ID), slog.String("error", err.Error()))
			}
		}()

		if source != "" {
			if err := call(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Set(ctx, created.ID, "source", map[string]string{"uri": source}); err != nil {
					return err
				}
				if play {
					return c.Action(ctx, created.ID, "play", nil)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return ignoreCancel(follow(cmd, c, created.ID, true))
	},
}

// follow prints session events and optionally answers heartbeats.
func follow(cmd *cobra.Command, c *client.Client, id string, reply bool) error {
	out := printEvent(cmd)
	return c.SessionEvents(cmd.Context(), id, func(ev client.StreamEvent) error {
		if reply && ev.Name == "heartbeat-request" {
			ctx, cancel := requestContext(cmd)
			err := c.Reply(ctx, id)
			cancel()
			if err != nil {
				log.Warn("heartbeat reply failed", slog.String("session", id), slog.String("error", err.Error()))
				return nil
			}
			log.Debug("heartbeat answered", slog.String("session", id))
			return nil
		}
		return out(ev)
	})
}

func printEvent(cmd *cobra.Command) func(client.StreamEvent) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	return func(ev client.StreamEvent) error {
		return enc.Encode(streamLine{Event: ev.Name, Data: ev.Data})
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
