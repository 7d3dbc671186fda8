package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	mcpadapter "github.com/kirillkom/hybrid-rag/internal/adapters/mcp"
	"github.com/kirillkom/hybrid-rag/internal/bootstrap"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the document tools over MCP stdio",
		Long: `Runs the query pipeline in-process and serves ask_documents and
index_info over the Model Context Protocol on stdin/stdout. Logs go to
stderr because stdout carries the protocol.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := bootstrap.New(ctx, cfg, serviceName)
			if err != nil {
				return err
			}
			defer app.Close()

			go func() {
				if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("background_loop_failed", "error", err)
				}
			}()

			slog.Info("mcp_stdio_started", "snapshot_version", app.Snapshots.Info().Version)
			return mcpadapter.NewServer(app.QueryUC, app.Snapshots, bootstrap.Version).ServeStdio()
		},
	}
}
