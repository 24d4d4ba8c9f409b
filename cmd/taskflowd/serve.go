package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/formworks/taskflow/pkg/taskflow"
	"github.com/formworks/taskflow/pkg/taskflow/config"
	"github.com/formworks/taskflow/pkg/taskflow/observability"
)

const stopTimeout = 30 * time.Second

var httpAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator until interrupted",
	Long: `Start the orchestrator and block until SIGINT or SIGTERM, then shut
down gracefully, draining in-flight events for up to 30 seconds.

Examples:

  # In-process broker and store, no config needed
  taskflowd serve

  # Production wiring from a config file, env vars expanded
  taskflowd serve --config /etc/taskflow/config.yaml

  # Expose the HTTP surface regardless of config
  taskflowd serve --http :8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides the config file)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := observability.NewLogger(os.Stderr, logFormat, logLevel)
	slog.SetDefault(logger)

	cfg := config.New(nil)
	if configFile != "" {
		var err error
		cfg, err = config.FromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = cfg.ExpandEnv()
	}

	opts, err := taskflow.FromConfig(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, taskflow.WithLogger(logger))
	if httpAddr != "" {
		opts = append(opts, taskflow.WithHTTPAddr(httpAddr))
	}

	orch, err := taskflow.New(opts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := orch.Start(ctx); err != nil {
		return err
	}
	logger.Info("taskflowd running", slog.String("version", version))
	if addr := orch.HTTPAddr(); addr != "" {
		logger.Info("http surface listening", slog.String("addr", addr))
	}

	<-ctx.Done()
	logger.Info("signal received, shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return orch.Stop(stopCtx)
}
