package research

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicable-dev/researchpipe/internal/artifact"
	"github.com/replicable-dev/researchpipe/internal/cache"
	"github.com/replicable-dev/researchpipe/internal/capability"
	"github.com/replicable-dev/researchpipe/internal/db"
	"github.com/replicable-dev/researchpipe/internal/pipeline"
	"github.com/replicable-dev/researchpipe/internal/sandbox"
)

func TestGraphValidates(t *testing.T) {
	g := Graph(nil)
	require.NoError(t, g.Validate())

	order, err := g.TopoOrder()
	require.NoError(t, err)
	ids := make([]string, len(order))
	for i, s := range order {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{
		StageAnalyze, StageGenerateMetrics, StageExecuteMetrics,
		StageGenerateStats, StageExecuteStats, StageExtractFindings,
		StageSynthesize,
	}, ids)
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Every template placeholder must be bound by a declared stage input, and
// every non-code input must appear in the template. An unreferenced input
// would still widen the cache key, so it has to be deliberate.
func TestTemplatesMatchDeclaredInputs(t *testing.T) {
	g := Graph(nil)
	for i := range g.Stages {
		s := &g.Stages[i]
		if s.Backend != pipeline.BackendGenerator {
			continue
		}
		declared := make(map[string]bool, len(s.Inputs))
		for _, in := range s.Inputs {
			declared[in.Name] = true
		}
		used := make(map[string]bool)
		for _, m := range placeholderRe.FindAllStringSubmatch(s.PromptTemplate, -1) {
			used[m[1]] = true
			assert.True(t, declared[m[1]], "stage %s: placeholder {{%s}} has no input", s.ID, m[1])
		}
		for name := range declared {
			assert.True(t, used[name], "stage %s: input %q never reaches the prompt", s.ID, name)
		}
	}
}

// TestResearchSandboxHelper stands in for the sandbox-exec subcommand when
// the integration test re-invokes the test binary.
func TestResearchSandboxHelper(t *testing.T) {
	if os.Getenv("RESEARCHPIPE_SANDBOX_HELPER") != "1" {
		return
	}
	if err := sandbox.RunChild(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// scriptedGenerator plays back canned model responses keyed on prompt
// content, in place of a live Gemini client.
type scriptedGenerator struct {
	mu    sync.Mutex
	calls int
}

func (s *scriptedGenerator) Generate(_ context.Context, _, prompt string) (*pipeline.Generation, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	switch {
	case strings.Contains(prompt, "research analyst"):
		return &pipeline.Generation{Text: `{"claims":["the mean value is 20"],"themes":["value distribution"],"relevant_columns":["value"],"candidate_metrics":["mean of value"]}`, CostUSD: 0.002}, nil
	case strings.Contains(prompt, "descriptive metrics"):
		// Fenced on purpose: the runner must strip markdown before caching.
		return &pipeline.Generation{Text: "```starlark\nvs = tab.col(dataset, \"value\")\nemit(\"metrics.json\", json.encode({\"mean\": tab.mean(vs), \"n\": tab.count(vs)}))\n```", CostUSD: 0.01}, nil
	case strings.Contains(prompt, "follow-up statistics"):
		return &pipeline.Generation{Text: `vs = tab.col(dataset, "value")
spread = tab.max(vs) - tab.min(vs)
emit("stats.json", json.encode({"spread": spread, "mean": metrics["mean"]}))
plot.bar("values", tab.col(dataset, "id"), vs)
`, CostUSD: 0.01}, nil
	case strings.Contains(prompt, "reviewing computed metrics"):
		return &pipeline.Generation{Text: `{"findings":["the computed mean of value is 20"],"supported_claims":["the mean value is 20"],"contradicted_claims":[],"caveats":["only 3 rows"]}`, CostUSD: 0.002}, nil
	case strings.Contains(prompt, "writing up computed results"):
		return &pipeline.Generation{Text: "The computed mean of value is 20, supporting the claim that the mean value is 20. The spread across rows is 20.", CostUSD: 0.005}, nil
	default:
		return nil, fmt.Errorf("unexpected prompt: %.80s", prompt)
	}
}

func newResearchRunner(t *testing.T) (*pipeline.Runner, *scriptedGenerator) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	database, err := db.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	exec := sandbox.NewExecutor(capability.NewRegistry())
	exec.Command = []string{os.Args[0], "-test.run=TestResearchSandboxHelper"}
	exec.ExtraEnv = []string{"RESEARCHPIPE_SANDBOX_HELPER=1"}

	gen := &scriptedGenerator{}
	return &pipeline.Runner{
		DB:        database,
		Store:     store,
		Cache:     cache.NewManager(database, store),
		Generator: gen,
		Executor:  exec,
		WorkDir:   t.TempDir(),
	}, gen
}

func researchInputs(dataset string) []pipeline.RunInput {
	return []pipeline.RunInput{
		{Name: InputDocuments, Kind: artifact.KindRawText, Content: []byte("Study of values. We claim the mean value is 20.")},
		{Name: InputDataset, Kind: artifact.KindTabular, Content: []byte(dataset)},
	}
}

func TestResearchPipelineEndToEnd(t *testing.T) {
	r, gen := newResearchRunner(t)
	g := Graph(nil)

	result, err := r.Run(context.Background(), g, researchInputs("id,value\n1,10\n2,20\n3,30\n"))
	require.NoError(t, err)
	require.Equal(t, db.RunStatusCompleted, result.Status)
	require.Len(t, result.Stages, 7)
	assert.Equal(t, 5, gen.calls)

	byID := make(map[string]pipeline.StageResult, len(result.Stages))
	for _, sr := range result.Stages {
		byID[sr.StageID] = sr
	}

	metrics, err := r.Store.Get(byID[StageExecuteMetrics].Output.Hash)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `"mean":20`)
	assert.Contains(t, string(metrics), `"n":3`)

	stats, err := r.Store.Get(byID[StageExecuteStats].Output.Hash)
	require.NoError(t, err)
	assert.Contains(t, string(stats), `"spread":20`)

	// The stats stage also commits its bar chart.
	foundPlot := false
	for _, extra := range byID[StageExecuteStats].Extra {
		content, err := r.Store.Get(extra.Hash)
		require.NoError(t, err)
		if strings.Contains(string(content), "<svg") {
			foundPlot = true
		}
	}
	assert.True(t, foundPlot, "expected an SVG chart artifact")

	// Markdown fences are stripped before the code is committed.
	code, err := r.Store.Get(byID[StageGenerateMetrics].Output.Hash)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(code), "```"))

	findings, err := r.Store.Get(byID[StageExtractFindings].Output.Hash)
	require.NoError(t, err)
	assert.Contains(t, string(findings), `"supported_claims"`)

	report, err := r.Store.Get(byID[StageSynthesize].Output.Hash)
	require.NoError(t, err)
	assert.Contains(t, string(report), "mean of value is 20")
}

func TestResearchPipelineRerunIsCached(t *testing.T) {
	r, gen := newResearchRunner(t)
	g := Graph(nil)
	inputs := researchInputs("id,value\n1,10\n2,20\n3,30\n")

	_, err := r.Run(context.Background(), g, inputs)
	require.NoError(t, err)
	require.Equal(t, 5, gen.calls)

	second, err := r.Run(context.Background(), g, inputs)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, second.Status)
	for _, sr := range second.Stages {
		assert.Equal(t, db.CacheHit, sr.CacheStatus, sr.StageID)
	}
	assert.Equal(t, 5, gen.calls, "a fully cached run must not call the model")

	// One changed dataset byte invalidates the whole chain.
	third, err := r.Run(context.Background(), g, researchInputs("id,value\n1,10\n2,20\n3,31\n"))
	require.NoError(t, err)
	for _, sr := range third.Stages {
		assert.Equal(t, db.CacheMiss, sr.CacheStatus, sr.StageID)
	}
	assert.Equal(t, 10, gen.calls)
}
