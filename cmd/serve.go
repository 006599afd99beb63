package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/treeline/internal/config"
	"github.com/conneroisu/treeline/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the HTTP server",
	Long: `Start serving the module tree.

In debug mode the tree is rebuilt for every request, errors render with
source excerpts and browsers reload when a source file changes. Otherwise
modules.pool_size registries are built once and lent to one request at a
time.

Examples:
  treeline serve                      # Serve the current directory on :8080
  treeline serve --debug              # Development mode with live reload
  treeline serve --root site -p 3000  # Serve ./site on port 3000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().Bool("debug", false, "Rebuild per request, show error details and live reload")
	AddFlagValidation(serveCmd, "port", ValidatePort)

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("development.debug", serveCmd.Flags().Lookup("debug"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := config.ValidateConfigWithDetails(cfg)
	for _, w := range result.Warnings {
		logger.Warn(ctx, &w, "Configuration warning")
	}

	srv, err := server.New(ctx, cfg, server.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Starting treeline at http://%s\n", cfg.Address())
	return srv.Start(ctx)
}
