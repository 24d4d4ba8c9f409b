package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is stamped at build time via
// -ldflags "-X main.version=v1.2.3".
var version = "dev"

var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "taskflowd",
	Short: "Event-driven task orchestration daemon",
	Long: `taskflowd runs the taskflow orchestrator: an in-process event bus,
a broker bridge, the matching client, and the task lifecycle agents,
with an optional HTTP surface for health, stats, and event queries.

Without a config file it runs fully in process on an in-memory broker,
which is useful for local development. Point --config at a YAML or
JSON file to wire a real AMQP broker, a SQLite event store, and the
HTTP listener.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with SIGINT/SIGTERM cancelling the
// command context.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("taskflowd %s\n", version)
	},
}
