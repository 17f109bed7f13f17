package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/replicable-dev/researchpipe/internal/config"
	"github.com/replicable-dev/researchpipe/internal/export"
)

var exportCommand = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as a self-contained audit archive",
	Long:  "Copies the run record, its provenance manifest and every referenced artifact into a directory that can be inspected without access to the store or database.",
	Args:  cobra.ExactArgs(1),
	RunE:  exportCmd,
}

var (
	exportConfigPath string
	exportDataDir    string
	exportOutDir     string
)

func init() {
	exportCommand.Flags().StringVar(&exportConfigPath, "config", "", "Path to config.json file")
	exportCommand.Flags().StringVar(&exportDataDir, "data-dir", "", "Directory for the artifact store and run database")
	exportCommand.Flags().StringVarP(&exportOutDir, "out", "o", "", "Destination directory (default: run-<id>)")

	rootCmd.AddCommand(exportCommand)
}

func exportCmd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfigFile(exportConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = exportDataDir
	}
	cfg = cfg.MergeWithDefaults(*config.Default())

	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}

	destDir := exportOutDir
	if destDir == "" {
		destDir = "run-" + runID.String()
	}

	env, err := openData(&cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	summary, err := export.Archive(ctx, env.DB, env.Store, runID, destDir)
	if err != nil {
		return err
	}

	fmt.Printf("Exported run %s to %s (%d manifest entries, %d artifacts, %d bytes)\n",
		summary.RunID, summary.Path, summary.Entries, summary.Artifacts, summary.Bytes)
	return nil
}
