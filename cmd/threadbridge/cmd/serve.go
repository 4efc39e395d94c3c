package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/entrepeneur4lyf/threadbridge/internal/app"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to Discord and bridge threads until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize threadbridge: %w", err)
	}

	if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	} else if err != nil {
		logger.Warn("shutdown finished with errors", "err", err)
	}
	return nil
}
