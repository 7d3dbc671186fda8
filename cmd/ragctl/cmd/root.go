// Package cmd holds the ragctl commands.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kirillkom/hybrid-rag/internal/bootstrap"
	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/observability/logging"
)

const serviceName = "ragctl"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ragctl",
		Short:         "Operate the hybrid retrieval question answering service",
		Version:       bootstrap.Version,
		SilenceUsage:  true,
	}
	cmd.SetVersionTemplate("ragctl version {{.Version}}\n")

	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newSnapshotCmd())
	cmd.AddCommand(newMCPCmd())
	return cmd
}

// Execute runs the root command until it returns or the process is signalled.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// loadConfig reads configuration and routes logs to stderr, leaving stdout
// for command output.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(logging.NewStderr(serviceName, cfg.LogLevel, cfg.LogFormat))
	return cfg, nil
}
