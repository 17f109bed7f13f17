package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/replicable-dev/researchpipe/internal/config"
	"github.com/replicable-dev/researchpipe/internal/observability"
)

var runsCommand = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded runs or show one run's provenance manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runsCmd,
}

var (
	runsConfigPath string
	runsDataDir    string
	runsLimit      int
)

func init() {
	runsCommand.Flags().StringVar(&runsConfigPath, "config", "", "Path to config.json file")
	runsCommand.Flags().StringVar(&runsDataDir, "data-dir", "", "Directory for the artifact store and run database")
	runsCommand.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")

	rootCmd.AddCommand(runsCommand)
}

func runsCmd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfigFile(runsConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = runsDataDir
	}
	cfg = cfg.MergeWithDefaults(*config.Default())

	env, err := openData(&cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	if len(args) == 1 {
		return showRun(ctx, env, args[0])
	}

	runs, err := env.DB.ListRuns(ctx, runsLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, run := range runs {
		line := fmt.Sprintf("%s  %-9s  %s  %s",
			run.ID, run.Status, run.CreatedAt.Format("2006-01-02 15:04:05"), run.Pipeline)
		if run.FailedStage != "" {
			line += fmt.Sprintf("  (failed: %s, %s)", run.FailedStage, run.FailureOutcome)
		}
		fmt.Println(line)
	}
	return nil
}

func showRun(ctx context.Context, env *dataEnv, id string) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", id, err)
	}
	run, err := env.DB.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	entries, err := env.DB.ListManifestEntries(ctx, runID)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	printer := observability.NewPrinter(os.Stdout)
	printer.PrintRun(run)
	printer.PrintManifest(entries)
	printer.PrintCacheActivity(entries)
	return nil
}
