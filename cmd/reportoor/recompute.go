package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/reportoor/pkg/engine"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var recomputeVerifyOnly bool

var recomputeCmd = &cobra.Command{
	Use:   "recompute <node-id>...",
	Short: "Rebuild aggregated counters of subtrees",
	Long: `Recompute the counters of every node below each given node, then of
its ancestors. With --verify-only the stored counters of every node in each
subtree are compared with the sum of its children and nothing is written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecompute,
}

func init() {
	rootCmd.AddCommand(recomputeCmd)
	recomputeCmd.Flags().BoolVar(
		&recomputeVerifyOnly, "verify-only", false,
		"Only report nodes whose counters disagree with their children",
	)
}

func runRecompute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
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

	stale := 0

	for _, id := range args {
		if recomputeVerifyOnly {
			warnings, err := eng.Aggregator.VerifySubtree(ctx, id)
			if err != nil {
				return fmt.Errorf("verifying %q: %w", id, err)
			}

			for _, w := range warnings {
				log.WithFields(logrus.Fields{
					"node_id": w.NodeID,
					"under":   id,
				}).Warn("Counters disagree with children")
			}

			stale += len(warnings)

			if len(warnings) == 0 {
				log.WithField("node_id", id).Info("Counters consistent")
			}

			continue
		}

		report, err := eng.Aggregator.Recompute(ctx, id)
		if err != nil {
			return fmt.Errorf("recomputing %q: %w", id, err)
		}

		stale += len(report.Warnings)

		log.WithFields(logrus.Fields{
			"node_id":  id,
			"visited":  report.Visited,
			"updated":  report.Updated,
			"warnings": len(report.Warnings),
		}).Info("Recomputed")
	}

	if stale > 0 {
		return fmt.Errorf("%d node(s) left with stale counters", stale)
	}

	return nil
}
