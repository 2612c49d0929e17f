package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/reportoor/pkg/api"
	"github.com/ethpandaops/reportoor/pkg/engine"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reporting API server",
	Long: `Start the reporting API server together with the audit trail, launch
export, the stale launch supervisor and launch retention when they are
enabled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	eng := engine.New(log, cfg)
	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop()

		return fmt.Errorf("starting engine: %w", err)
	}

	srv := api.NewServer(log, &cfg.Server, eng)

	if err := srv.Start(ctx); err != nil {
		_ = eng.Stop()

		return fmt.Errorf("starting api server: %w", err)
	}

	// The supervisor starts after the server is listening so that the first
	// pass does not delay startup.
	if err := eng.StartSupervisor(ctx); err != nil {
		_ = srv.Stop()
		_ = eng.Stop()

		return fmt.Errorf("starting interrupt supervisor: %w", err)
	}

	if err := eng.StartRetention(ctx); err != nil {
		_ = srv.Stop()
		_ = eng.Stop()

		return fmt.Errorf("starting retention job: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop api server")
	}

	if err := eng.Stop(); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}

	return nil
}
