package main

import (
	"context"

	"github.com/spf13/cobra"

	"mediabroker/internal/broker"
	"mediabroker/internal/client"
)

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordStartCmd, recordStopCmd, recordScheduleCmd)
	recordScheduleCmd.Flags().Duration("in", 0, "Delay before the recording starts")
	recordScheduleCmd.Flags().Duration("for", 0, "Recording length")
	_ = recordScheduleCmd.MarkFlagRequired("for")
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record streams",
}

var recordStartCmd = &cobra.Command{
	Use:   "start <session> <destination>",
	Short: "Start recording a session's source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Action(ctx, args[0], "record/start", map[string]string{"destination": args[1]})
		})
	},
}

var recordStopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Stop recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Action(ctx, args[0], "record/stop", nil)
		})
	},
}

var recordScheduleCmd = &cobra.Command{
	Use:     "schedule <uri> <destination>",
	Short:   "Schedule a recording in a new unattended session",
	Args:    cobra.ExactArgs(2),
	Example: "  brokerctl record schedule broadcast:ard /srv/rec/news.ts --in 2h --for 30m",
	RunE: func(cmd *cobra.Command, args []string) error {
		delay, _ := cmd.Flags().GetDuration("in")
		length, _ := cmd.Flags().GetDuration("for")
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			created, err := c.ScheduleRecording(ctx, broker.RecordingRequest{
				StartDelay:  delay,
				Duration:    length,
				URI:         args[0],
				Destination: args[1],
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, created)
		})
	},
}
