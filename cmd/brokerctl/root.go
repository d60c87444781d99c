package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mediabroker/internal/client"
	"mediabroker/internal/platform/logger"
)

const (
	keyServer   = "server"
	keyTimeout  = "timeout"
	keyLogLevel = "log_level"
)

var log = slog.Default()

func init() {
	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:8080", "Broker base URL")
	lo.Must0(viper.BindPFlag(keyServer, rootCmd.PersistentFlags().Lookup("server")))

	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "Timeout for single requests")
	lo.Must0(viper.BindPFlag(keyTimeout, rootCmd.PersistentFlags().Lookup("timeout")))

	rootCmd.PersistentFlags().String("log-level", "warn", "Diagnostics level on stderr (debug, info, warn, error)")
	lo.Must0(viper.BindPFlag(keyLogLevel, rootCmd.PersistentFlags().Lookup("log-level")))

	// BROKERCTL_SERVER, BROKERCTL_TIMEOUT, BROKERCTL_LOG_LEVEL
	viper.SetEnvPrefix("brokerctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

var rootCmd = &cobra.Command{
	Use:          "brokerctl",
	Short:        "Control sessions of a media broker",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = logger.NewWithWriter(os.Stderr, viper.GetString(keyLogLevel), "text")
	},
}

func newClient() (*client.Client, error) {
	endpoint, err := client.Endpoint(viper.GetString(keyServer))
	if err != nil {
		return nil, err
	}
	log.Debug("using broker", slog.String("server", endpoint))
	// no client-wide timeout: event streams stay open
	return client.New(endpoint, &http.Client{}), nil
}

func viperTimeout() time.Duration {
	return viper.GetDuration(keyTimeout)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), viperTimeout())
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// call runs fn with a client and a per-request context.
func call(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()
	return fn(ctx, c)
}
