package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/replicable-dev/researchpipe/internal/sandbox"
)

// sandboxExecCommand is the child half of the code executor. The parent
// process re-invokes its own binary with this subcommand, a request on stdin
// and an empty environment; the response goes back on stdout. It is hidden
// because invoking it by hand serves no purpose.
var sandboxExecCommand = &cobra.Command{
	Use:    "sandbox-exec",
	Short:  "Execute one sandboxed program from stdin (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return sandbox.RunChild(cmd.Context(), os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(sandboxExecCommand)
}
