// Package main provides the researchpipe command line interface.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/replicable-dev/researchpipe/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "researchpipe",
	Short: "Cached, sandboxed research pipeline runner",
	Long:  "Researchpipe runs LLM-assisted research pipelines: document analysis, generated-code execution under a capability sandbox, content-addressed caching and a complete provenance manifest per run.",
}

// Exit codes distinguish failure classes for scripting callers. Pipeline
// failures map to the failing stage's outcome; flag errors and
// infrastructure faults exit with exitUsage.
const (
	exitUsage             = 2
	exitSecurityViolation = 3
	exitResourceExceeded  = 4
	exitRuntimeError      = 5
	exitDependencyFailure = 6
)

func exitCodeFor(outcome string) int {
	switch outcome {
	case db.OutcomeSecurityViolation:
		return exitSecurityViolation
	case db.OutcomeResourceExceeded, db.OutcomeTimeout:
		return exitResourceExceeded
	case db.OutcomeRuntimeError:
		return exitRuntimeError
	case db.OutcomeDependencyFailure:
		return exitDependencyFailure
	default:
		return exitUsage
	}
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUsage)
	}
}
