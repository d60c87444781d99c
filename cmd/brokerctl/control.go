package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mediabroker/internal/client"
)

func init() {
	for _, a := range []struct{ name, short string }{
		{"play", "Start or resume playback, binding an engine if needed"},
		{"pause", "Pause playback, binding an engine if needed"},
		{"load", "Bind an engine and load the source without playing"},
		{"stop", "Stop playback and release the engine"},
		{"suspend", "Release output resources while keeping the engine"},
		{"restore", "Restore output after suspend"},
	} {
		rootCmd.AddCommand(actionCommand(a.name, a.short))
	}
	rootCmd.AddCommand(sourceCmd, subtitleCmd, volumeCmd, muteCmd, seekCmd, rateCmd, windowCmd, trackCmd, getCmd)
}

func actionCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <session>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *client.Client) error {
				return c.Action(ctx, args[0], action, nil)
			})
		},
	}
}

// property reads a property when only the session is given and writes it
// otherwise.
func property(cmd *cobra.Command, args []string, name string, body func(value string) (any, error)) error {
	return call(cmd, func(ctx context.Context, c *client.Client) error {
		if len(args) == 1 {
			var out any
			if err := c.Get(ctx, args[0], name, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		}
		v, err := body(args[1])
		if err != nil {
			return err
		}
		return c.Set(ctx, args[0], name, v)
	})
}

var sourceCmd = &cobra.Command{
	Use:   "source <session> [uri]",
	Short: "Get or set the content locator (broadcast:<channel> selects a broadcast engine)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return property(cmd, args, "source", func(v string) (any, error) {
			return map[string]string{"uri": v}, nil
		})
	},
}

var subtitleCmd = &cobra.Command{
	Use:   "subtitle <session> [uri]",
	Short: "Get or set the external subtitle locator",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return property(cmd, args, "subtitle", func(v string) (any, error) {
			return map[string]string{"uri": v}, nil
		})
	},
}

var volumeCmd = &cobra.Command{
	Use:   "volume <session> [0-100]",
	Short: "Get or set the volume",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return property(cmd, args, "volume", func(v string) (any, error) {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("volume %q: %w", v, err)
			}
			return map[string]int{"volume": n}, nil
		})
	},
}

var muteCmd = &cobra.Command{
	Use:   "mute <session> [on|off]",
	Short: "Get or set mute",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return property(cmd, args, "mute", func(v string) (any, error) {
			switch v {
			case "on", "true", "1":
				return map[string]bool{"mute": true}, nil
			case "off", "false", "0":
				return map[string]bool{"mute": false}, nil
			}
			return nil, fmt.Errorf("mute value %q: want on or off", v)
		})
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate <session> [rate]",
	Short: "Get or set the playback rate",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return property(cmd, args, "rate", func(v string) (any, error) {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("rate %q: %w", v, err)
			}
			return map[string]float64{"rate": f}, nil
		})
	},
}

var seekCmd = &cobra.Command{
	Use:     "seek <session> <position>",
	Short:   "Seek to a position such as 90s or 1m30s",
	Args:    cobra.ExactArgs(2),
	Example: "  brokerctl seek 3 1m30s",
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("position %q: %w", args[1], err)
		}
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Action(ctx, args[0], "seek", map[string]int64{"position_ms": pos.Milliseconds()})
		})
	},
}

var windowCmd = &cobra.Command{
	Use:   "window <session> <x> <y> <width> <height>",
	Short: "Set the output rectangle",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		var values [4]int
		for i, raw := range args[1:] {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("window value %q: %w", raw, err)
			}
			values[i] = n
		}
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			return c.Set(ctx, args[0], "window", map[string]int{
				"x": values[0], "y": values[1], "width": values[2], "height": values[3],
			})
		})
	},
}

var trackCmd = &cobra.Command{
	Use:   "track <session> <audio|video|subtitle> [index]",
	Short: "Show or select tracks",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			path := "tracks/" + args[1]
			if len(args) == 2 {
				var out any
				if err := c.Get(ctx, args[0], path, &out); err != nil {
					return err
				}
				return printJSON(cmd, out)
			}
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("track index %q: %w", args[2], err)
			}
			return c.Action(ctx, args[0], path, map[string]int{"index": index})
		})
	},
}

var getCmd = &cobra.Command{
	Use:     "get <session> <property>",
	Short:   "Read any session property",
	Long:    "Read a session property: state, position, duration, video-size, buffer, metadata, window, target, proxy, scale, rate or tracks/<kind>.",
	Args:    cobra.ExactArgs(2),
	Example: "  brokerctl get 3 position",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *client.Client) error {
			var out any
			if err := c.Get(ctx, args[0], args[1], &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		})
	},
}
