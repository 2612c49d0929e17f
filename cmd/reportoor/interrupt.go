package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/reportoor/pkg/engine"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var interruptCmd = &cobra.Command{
	Use:   "interrupt [launch-id]...",
	Short: "Force-finish launches with INTERRUPTED",
	Long: `Interrupt the given launches. Without arguments a single pass of the
stale launch supervisor runs, interrupting every launch that has been in
progress for longer than interrupt.max_duration.`,
	RunE: runInterrupt,
}

func init() {
	rootCmd.AddCommand(interruptCmd)
}

func runInterrupt(cmd *cobra.Command, args []string) error {
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

	if len(args) == 0 {
		n, err := eng.InterruptStale(ctx)
		if err != nil {
			return fmt.Errorf("interrupting stale launches: %w", err)
		}

		log.WithField("launches", n).Info("Stale launches interrupted")

		return nil
	}

	now := time.Now().UTC()

	for _, id := range args {
		res, err := eng.Lifecycle.Interrupt(ctx, id, now)
		if err != nil {
			var af *model.AlreadyFinishedError
			if errors.As(err, &af) {
				log.WithField("launch_id", id).Info("Launch already finished")

				continue
			}

			return fmt.Errorf("interrupting %q: %w", id, err)
		}

		log.WithFields(logrus.Fields{
			"launch_id":   id,
			"interrupted": res.Interrupted,
			"warnings":    len(res.Warnings),
		}).Info("Launch interrupted")
	}

	return nil
}
