package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/replicable-dev/researchpipe/internal/capability"
)

var capabilitiesCommand = &cobra.Command{
	Use:   "capabilities",
	Short: "List the capabilities stages can request",
	Args:  cobra.NoArgs,
	RunE:  capabilitiesCmd,
}

var capabilitiesFile string

func init() {
	capabilitiesCommand.Flags().StringVar(&capabilitiesFile, "capabilities", "", "Path to a JSON file with extra capability grants")

	rootCmd.AddCommand(capabilitiesCommand)
}

func capabilitiesCmd(_ *cobra.Command, _ []string) error {
	registry := capability.NewRegistry()
	if capabilitiesFile != "" {
		if err := registry.LoadFile(capabilitiesFile); err != nil {
			return fmt.Errorf("load capabilities: %w", err)
		}
	}

	for _, name := range registry.Names() {
		entry, _ := registry.Get(name)
		line := fmt.Sprintf("%-14s modules: %s", name, strings.Join(entry.Modules, ", "))
		if len(entry.Calls) > 0 {
			line += fmt.Sprintf("  calls: %s", strings.Join(entry.Calls, ", "))
		}
		fmt.Println(line)
	}
	return nil
}
