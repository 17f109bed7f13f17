package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/replicable-dev/researchpipe/internal/artifact"
	"github.com/replicable-dev/researchpipe/internal/cache"
	"github.com/replicable-dev/researchpipe/internal/capability"
	"github.com/replicable-dev/researchpipe/internal/config"
	"github.com/replicable-dev/researchpipe/internal/llm"
	"github.com/replicable-dev/researchpipe/internal/observability"
	"github.com/replicable-dev/researchpipe/internal/pipeline"
	"github.com/replicable-dev/researchpipe/internal/research"
	"github.com/replicable-dev/researchpipe/internal/sandbox"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Run the research pipeline over documents and a dataset",
	Long: `Runs the full research pipeline: document analysis -> metrics code generation -> sandboxed execution -> follow-up statistics -> synthesis.

Every stage result is cached by content, so re-running with unchanged inputs replays committed artifacts without calling the model. Pass --dataset more than once to run the same documents against several datasets concurrently.

Configuration can be loaded from a JSON file using --config. Command-line arguments override config file values.`,
	RunE: runPipelineCmd,
}

var (
	runConfigPath   string
	runDocuments    string
	runDatasets     []string
	runDataDir      string
	runCapabilities string
	runOutPath      string
	runAPIKey       string
	runConcurrency  int
	runVerbose      bool
)

func init() {
	// Config file flag (processed first)
	runCommand.Flags().StringVar(&runConfigPath, "config", "", "Path to config.json file (values can be overridden by other flags)")

	runCommand.Flags().StringVarP(&runDocuments, "documents", "d", "", "Path to the source documents text file")
	runCommand.Flags().StringArrayVar(&runDatasets, "dataset", nil, "Path to a CSV dataset (repeatable; multiple datasets run as a batch)")
	runCommand.Flags().StringVar(&runDataDir, "data-dir", "", "Directory for the artifact store and run database")
	runCommand.Flags().StringVar(&runCapabilities, "capabilities", "", "Path to a JSON file with extra capability grants")
	runCommand.Flags().StringVarP(&runOutPath, "out", "o", "", "Write the final report to this file (default: print to stdout)")
	runCommand.Flags().IntVar(&runConcurrency, "concurrency", 0, "Parallel runs in batch mode")
	runCommand.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print detailed per-stage information")

	// API key can be passed as a flag, or read from env var GEMINI_API_KEY
	runCommand.Flags().StringVar(&runAPIKey, "api-key", "", "Gemini API Key (optional, defaults to GEMINI_API_KEY env var)")

	rootCmd.AddCommand(runCommand)
}

func runPipelineCmd(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadConfigFile(runConfigPath)
	if err != nil {
		return err
	}

	// CLI overrides take priority; only apply flags that were set.
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = runDataDir
	}
	if cmd.Flags().Changed("capabilities") {
		cfg.CapabilitiesFile = runCapabilities
	}
	if cmd.Flags().Changed("api-key") {
		cfg.APIKey = runAPIKey
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = runConcurrency
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = runVerbose
	}

	cfg = cfg.MergeWithDefaults(*config.Default())

	if runDocuments == "" {
		return fmt.Errorf("--documents is required")
	}
	if len(runDatasets) == 0 {
		return fmt.Errorf("at least one --dataset is required")
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable or --api-key flag is required")
	}

	documents, err := os.ReadFile(runDocuments)
	if err != nil {
		return fmt.Errorf("read documents: %w", err)
	}

	registry := capability.NewRegistry()
	if cfg.CapabilitiesFile != "" {
		if err := registry.LoadFile(cfg.CapabilitiesFile); err != nil {
			return fmt.Errorf("load capabilities: %w", err)
		}
	}

	env, err := openData(&cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := os.MkdirAll(cfg.WorkPath(), 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	client, err := llm.NewGeminiClient(ctx, cfg.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	defer func() { _ = client.Close() }()

	llmCfg := llm.DefaultGeminiConfig()
	for tier, model := range cfg.Models {
		llmCfg = llmCfg.WithModel(llm.ModelTier(tier), model)
	}

	graph := research.Graph(llmCfg)
	for i := range graph.Stages {
		graph.Stages[i].Limits = graph.Stages[i].Limits.Merge(cfg.Limits)
	}

	runner := &pipeline.Runner{
		DB:        env.DB,
		Store:     env.Store,
		Cache:     cache.NewManager(env.DB, env.Store),
		Generator: research.NewGenerator(client),
		Executor:  sandbox.NewExecutor(registry),
		WorkDir:   cfg.WorkPath(),
		Verbose:   cfg.Verbose,
		Printer:   observability.NewPrinter(os.Stdout),
	}

	if len(runDatasets) == 1 {
		dataset, err := os.ReadFile(runDatasets[0])
		if err != nil {
			return fmt.Errorf("read dataset: %w", err)
		}
		result, err := runner.Run(ctx, graph, runInputs(documents, dataset))
		if err != nil {
			return err
		}
		return reportRun(env, &cfg, result)
	}

	batches := make(map[string][]pipeline.RunInput, len(runDatasets))
	for _, path := range runDatasets {
		dataset, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read dataset %s: %w", path, err)
		}
		batches[path] = runInputs(documents, dataset)
	}
	results, err := runner.RunBatch(ctx, graph, batches, cfg.Concurrency)
	if err != nil {
		return err
	}

	failed := 0
	for _, path := range runDatasets {
		result := results[path]
		if result.Failed() {
			failed++
			fmt.Printf("%s: run %s failed at stage %s\n", path, result.RunID, result.FailedStage)
			continue
		}
		fmt.Printf("%s: run %s completed\n", path, result.RunID)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d runs failed\n", failed, len(runDatasets))
		os.Exit(exitRuntimeError)
	}
	return nil
}

func runInputs(documents, dataset []byte) []pipeline.RunInput {
	return []pipeline.RunInput{
		{Name: research.InputDocuments, Kind: artifact.KindRawText, Content: documents},
		{Name: research.InputDataset, Kind: artifact.KindTabular, Content: dataset},
	}
}

// reportRun prints the outcome of a single run and, on success, delivers the
// synthesized report. A failed run exits with the failing stage's code.
func reportRun(env *dataEnv, cfg *config.Config, result *pipeline.RunResult) error {
	printer := observability.NewPrinter(os.Stdout)

	if result.Failed() {
		for _, sr := range result.Stages {
			if sr.StageID == result.FailedStage {
				fmt.Fprintf(os.Stderr, "Run %s failed at stage %s: %s (%s)\n",
					result.RunID, sr.StageID, sr.Outcome, sr.Detail)
				os.Exit(exitCodeFor(sr.Outcome))
			}
		}
		os.Exit(exitRuntimeError)
	}

	if cfg.Verbose {
		entries, err := env.DB.ListManifestEntries(context.Background(), result.RunID)
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
		printer.PrintManifest(entries)
		printer.PrintCacheActivity(entries)
	}

	for _, sr := range result.Stages {
		if sr.StageID != research.StageSynthesize || sr.Output == nil {
			continue
		}
		report, err := env.Store.Get(sr.Output.Hash)
		if err != nil {
			return fmt.Errorf("load report: %w", err)
		}
		if runOutPath == "" {
			fmt.Printf("\n%s\n", report)
			break
		}
		if err := os.MkdirAll(filepath.Dir(runOutPath), 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		if err := os.WriteFile(runOutPath, report, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Printf("Report written to %s\n", runOutPath)
		break
	}

	fmt.Printf("Run %s completed\n", result.RunID)
	return nil
}
