package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethpandaops/reportoor/pkg/engine"
	"github.com/spf13/cobra"
)

var (
	exportOutput string
	exportFormat string
	exportPush   bool
)

var exportCmd = &cobra.Command{
	Use:   "export <launch-id>",
	Short: "Export the tree of a launch as JSON",
	Long: `Write the nested snapshot or the Markdown summary of a launch to a file
or stdout. With --push both are written to the configured export backend
instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(
		&exportOutput, "output", "o", "-",
		"Output file, - for stdout",
	)
	exportCmd.Flags().StringVar(
		&exportFormat, "format", "json",
		`Output format: "json" (snapshot) or "markdown" (summary)`,
	)
	exportCmd.Flags().BoolVar(
		&exportPush, "push", false,
		"Write to the configured export backend (s3 or local)",
	)
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportFormat != "json" && exportFormat != "markdown" {
		return fmt.Errorf(
			"unsupported format %q (use \"json\" or \"markdown\")", exportFormat,
		)
	}

	if exportOutput == "-" && !exportPush {
		log.SetOutput(os.Stderr)
	}

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

	if exportPush {
		if !eng.Exporter.Enabled() {
			return fmt.Errorf("export is not configured")
		}

		location, err := eng.Exporter.Export(ctx, args[0])
		if err != nil {
			return fmt.Errorf("exporting launch: %w", err)
		}

		log.WithField("location", location).Info("Launch exported")

		return nil
	}

	var data []byte

	switch exportFormat {
	case "markdown":
		md, err := eng.Exporter.Summary(ctx, args[0], 0)
		if err != nil {
			return fmt.Errorf("rendering summary: %w", err)
		}

		data = []byte(md)
	default:
		snap, err := eng.Exporter.Snapshot(ctx, args[0])
		if err != nil {
			return fmt.Errorf("building snapshot: %w", err)
		}

		data, err = json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
	}

	if exportOutput == "-" {
		_, err = fmt.Fprintln(os.Stdout, string(data))

		return err
	}

	if err := os.WriteFile(exportOutput, data, 0o644); err != nil { //nolint:gosec // snapshots are not secret
		return fmt.Errorf("writing %s: %w", exportOutput, err)
	}

	log.WithField("path", exportOutput).Info("Snapshot written")

	return nil
}
