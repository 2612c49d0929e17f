package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/reportoor/pkg/engine"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanOlderThan time.Duration

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove finished launches older than the keep period",
	Long: `Run a single retention pass, removing every launch that finished more
than retention.keep_for ago together with its items. --older-than overrides
the configured keep period.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().DurationVar(
		&cleanOlderThan, "older-than", 0,
		"Keep period to apply instead of retention.keep_for",
	)
}

func runClean(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cleanOlderThan > 0 {
		cfg.Retention.KeepFor = cleanOlderThan
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	eng := engine.New(log, cfg)
	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop()

		return fmt.Errorf("starting engine: %w", err)
	}

	defer func() {
		if err := eng.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop engine")
		}
	}()

	n, err := eng.CleanExpired(ctx)
	if err != nil {
		return fmt.Errorf("cleaning launches: %w", err)
	}

	log.WithFields(logrus.Fields{
		"launches": n,
		"keep_for": cfg.Retention.KeepFor,
	}).Info("Expired launches removed")

	return nil
}
