// Package research defines the concrete document-analysis pipeline: analyze
// the source documents, generate and execute metrics code against the
// dataset, generate and execute follow-up statistics, then synthesize
// findings.
package research

import (
	"context"
	"fmt"

	"github.com/replicable-dev/researchpipe/internal/artifact"
	"github.com/replicable-dev/researchpipe/internal/capability"
	"github.com/replicable-dev/researchpipe/internal/llm"
	"github.com/replicable-dev/researchpipe/internal/pipeline"
	"github.com/replicable-dev/researchpipe/internal/prompts"
	"github.com/replicable-dev/researchpipe/internal/sandbox"
)

// Run input names the graph expects.
const (
	InputDocuments = "documents"
	InputDataset   = "dataset"
)

// Stage IDs, in dependency order.
const (
	StageAnalyze         = "analyze_documents"
	StageGenerateMetrics = "generate_metrics_code"
	StageExecuteMetrics  = "execute_metrics"
	StageGenerateStats   = "generate_stats_code"
	StageExecuteStats    = "execute_stats"
	StageExtractFindings = "extract_findings"
	StageSynthesize      = "synthesize"
)

// analyzeTemplate is the document-analysis extraction prompt. Built from the
// shared schema so the stage output is strict JSON the downstream code
// generators can rely on.
func analyzeTemplate() string {
	return llm.BuildExtractionPrompt(llm.DocumentAnalysisSchema(),
		"Source documents:\n{{documents}}\n\nDataset (CSV):\n{{dataset}}")
}

// findingsTemplate turns computed metrics into structured findings checked
// against the document claims.
func findingsTemplate() string {
	return llm.BuildExtractionPrompt(llm.StatisticalFindingsSchema(),
		"Document analysis:\n{{analysis}}\n\nComputed metrics:\n{{metrics}}\n\nComputed statistics:\n{{stats}}")
}

// Graph builds the research pipeline over the given model configuration.
// Analysis runs on the standard tier; code generation and synthesis need the
// advanced tier.
func Graph(cfg *llm.Config) *pipeline.Graph {
	if cfg == nil {
		cfg = llm.DefaultConfig()
	}
	standard := cfg.GetModel(llm.TierStandard)
	advanced := cfg.GetModel(llm.TierAdvanced)

	return &pipeline.Graph{
		Name:   "research",
		Inputs: []string{InputDocuments, InputDataset},
		Stages: []pipeline.Stage{
			{
				ID:             StageAnalyze,
				Backend:        pipeline.BackendGenerator,
				ModelID:        standard,
				PromptTemplate: analyzeTemplate(),
				JSONOutput:     true,
				OutputKind:     artifact.KindRawText,
				Inputs: []pipeline.InputRef{
					{Name: "documents", Input: InputDocuments},
					{Name: "dataset", Input: InputDataset},
				},
			},
			{
				ID:             StageGenerateMetrics,
				Backend:        pipeline.BackendGenerator,
				ModelID:        advanced,
				PromptTemplate: prompts.MustGet("research.json", "generate-metrics-code"),
				OutputKind:     artifact.KindGeneratedCode,
				Inputs: []pipeline.InputRef{
					{Name: "analysis", Stage: StageAnalyze},
					{Name: "dataset", Input: InputDataset},
				},
			},
			{
				ID:           StageExecuteMetrics,
				Backend:      pipeline.BackendExecutor,
				CodeFrom:     "code",
				Capabilities: []string{"tabular-math", "json"},
				OutputKind:   artifact.KindRawText,
				OutputFile:   "metrics.json",
				Limits:       capability.Limits{WallClockMs: 30_000},
				Inputs: []pipeline.InputRef{
					{Name: "code", Stage: StageGenerateMetrics},
					{Name: "dataset", Input: InputDataset, Kind: sandbox.BindingTabular},
				},
			},
			{
				ID:             StageGenerateStats,
				Backend:        pipeline.BackendGenerator,
				ModelID:        advanced,
				PromptTemplate: prompts.MustGet("research.json", "generate-stats-code"),
				OutputKind:     artifact.KindGeneratedCode,
				Inputs: []pipeline.InputRef{
					{Name: "metrics", Stage: StageExecuteMetrics},
				},
			},
			{
				ID:           StageExecuteStats,
				Backend:      pipeline.BackendExecutor,
				CodeFrom:     "code",
				Capabilities: []string{"tabular-math", "json", "plotting"},
				OutputKind:   artifact.KindRawText,
				OutputFile:   "stats.json",
				Limits:       capability.Limits{WallClockMs: 30_000},
				Inputs: []pipeline.InputRef{
					{Name: "code", Stage: StageGenerateStats},
					{Name: "metrics", Stage: StageExecuteMetrics, Kind: sandbox.BindingJSON},
					{Name: "dataset", Input: InputDataset, Kind: sandbox.BindingTabular},
				},
			},
			{
				ID:             StageExtractFindings,
				Backend:        pipeline.BackendGenerator,
				ModelID:        standard,
				PromptTemplate: findingsTemplate(),
				JSONOutput:     true,
				OutputKind:     artifact.KindRawText,
				Inputs: []pipeline.InputRef{
					{Name: "analysis", Stage: StageAnalyze},
					{Name: "metrics", Stage: StageExecuteMetrics},
					{Name: "stats", Stage: StageExecuteStats},
				},
			},
			{
				ID:             StageSynthesize,
				Backend:        pipeline.BackendGenerator,
				ModelID:        advanced,
				PromptTemplate: prompts.MustGet("research.json", "synthesize"),
				OutputKind:     artifact.KindRawText,
				Inputs: []pipeline.InputRef{
					{Name: "analysis", Stage: StageAnalyze},
					{Name: "metrics", Stage: StageExecuteMetrics},
					{Name: "stats", Stage: StageExecuteStats},
					{Name: "findings", Stage: StageExtractFindings},
				},
			},
		},
	}
}

// generator adapts an llm.Client to the pipeline's Generator contract.
type generator struct {
	client llm.Client
}

// NewGenerator wraps an LLM client for use by the pipeline runner.
func NewGenerator(client llm.Client) pipeline.Generator {
	return &generator{client: client}
}

func (g *generator) Generate(ctx context.Context, modelID, prompt string) (*pipeline.Generation, error) {
	res, err := g.client.GenerateText(ctx, modelID, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate with %s: %w", modelID, err)
	}
	return &pipeline.Generation{Text: res.Text, CostUSD: res.CostUSD}, nil
}

// GenerateJSON satisfies pipeline.JSONGenerator for extraction stages.
func (g *generator) GenerateJSON(ctx context.Context, modelID, prompt string) (*pipeline.Generation, error) {
	res, err := g.client.GenerateJSON(ctx, modelID, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate json with %s: %w", modelID, err)
	}
	return &pipeline.Generation{Text: res.Text, CostUSD: res.CostUSD}, nil
}
