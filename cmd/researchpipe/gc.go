package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replicable-dev/researchpipe/internal/config"
)

var gcCommand = &cobra.Command{
	Use:   "gc",
	Short: "Remove stored artifacts no manifest references",
	Long:  "Walks the provenance manifest for the set of live artifact hashes and deletes every store object outside it. Artifacts referenced by any run, failed ones included, are kept.",
	Args:  cobra.NoArgs,
	RunE:  gcCmd,
}

var (
	gcConfigPath string
	gcDataDir    string
	gcVerbose    bool
)

func init() {
	gcCommand.Flags().StringVar(&gcConfigPath, "config", "", "Path to config.json file")
	gcCommand.Flags().StringVar(&gcDataDir, "data-dir", "", "Directory for the artifact store and run database")
	gcCommand.Flags().BoolVarP(&gcVerbose, "verbose", "v", false, "Print each removed hash")

	rootCmd.AddCommand(gcCommand)
}

func gcCmd(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadConfigFile(gcConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = gcDataDir
	}
	cfg = cfg.MergeWithDefaults(*config.Default())

	env, err := openData(&cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	live, err := env.DB.LiveHashes(ctx)
	if err != nil {
		return fmt.Errorf("collect live hashes: %w", err)
	}
	removed, err := env.Store.GarbageCollect(live)
	if err != nil {
		return fmt.Errorf("garbage collect: %w", err)
	}

	if gcVerbose {
		for _, hash := range removed {
			fmt.Println(hash)
		}
	}
	fmt.Printf("Removed %d unreferenced artifacts (%d live)\n", len(removed), len(live))
	return nil
}
