package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicable-dev/researchpipe/internal/artifact"
	"github.com/replicable-dev/researchpipe/internal/cache"
	"github.com/replicable-dev/researchpipe/internal/capability"
	"github.com/replicable-dev/researchpipe/internal/db"
	"github.com/replicable-dev/researchpipe/internal/sandbox"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(modelID, prompt string) (string, error)
}

func (f *fakeGenerator) Generate(_ context.Context, modelID, prompt string) (*Generation, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		text, err := f.fn(modelID, prompt)
		if err != nil {
			return nil, err
		}
		return &Generation{Text: text, CostUSD: 0.01}, nil
	}
	return &Generation{Text: "vs = tab.col(dataset, \"value\")\nprint(tab.mean(vs))", CostUSD: 0.01}, nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(code string, bindings []sandbox.Binding, scratch string) (*sandbox.ExecutionResult, error)
}

func (f *fakeExecutor) Execute(_ context.Context, code string, _ []string, bindings []sandbox.Binding, scratch string, _ capability.Limits) (*sandbox.ExecutionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(code, bindings, scratch)
	}
	return &sandbox.ExecutionResult{Outcome: sandbox.OutcomeSuccess, Stdout: "mean=20\n"}, nil
}

func newRunner(t *testing.T) (*Runner, *fakeGenerator, *fakeExecutor) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	database, err := db.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	gen := &fakeGenerator{}
	exec := &fakeExecutor{}
	return &Runner{
		DB:        database,
		Store:     store,
		Cache:     cache.NewManager(database, store),
		Generator: gen,
		Executor:  exec,
		WorkDir:   t.TempDir(),
	}, gen, exec
}

func twoStageGraph() *Graph {
	return &Graph{
		Name:   "metrics",
		Inputs: []string{"dataset"},
		Stages: []Stage{
			{
				ID:             "generate_code",
				Backend:        BackendGenerator,
				ModelID:        "gemini-2.5-pro",
				PromptTemplate: "Write code computing the mean of:\n{{dataset}}",
				OutputKind:     artifact.KindGeneratedCode,
				Inputs:         []InputRef{{Name: "dataset", Input: "dataset"}},
			},
			{
				ID:           "execute",
				Backend:      BackendExecutor,
				CodeFrom:     "code",
				Capabilities: []string{"tabular-math"},
				OutputKind:   artifact.KindRawText,
				Inputs: []InputRef{
					{Name: "code", Stage: "generate_code"},
					{Name: "dataset", Input: "dataset", Kind: sandbox.BindingTabular},
				},
			},
		},
	}
}

func datasetInput(content string) []RunInput {
	return []RunInput{{Name: "dataset", Kind: artifact.KindTabular, Content: []byte(content)}}
}

func TestRunEndToEnd(t *testing.T) {
	r, gen, exec := newRunner(t)
	graph := twoStageGraph()

	result, err := r.Run(context.Background(), graph, datasetInput("id,value\n1,10\n2,30\n"))
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, result.Status)
	assert.False(t, result.Failed())
	require.Len(t, result.Stages, 2)

	for _, sr := range result.Stages {
		assert.Equal(t, db.CacheMiss, sr.CacheStatus)
		assert.Equal(t, db.OutcomeSuccess, sr.Outcome)
		require.NotNil(t, sr.Output)
		has, err := r.Store.Has(sr.Output.Hash)
		require.NoError(t, err)
		assert.True(t, has)
	}
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, 1, exec.calls)

	// Generator stage commits its rendered prompt alongside the output.
	genStage := result.Stages[0]
	require.Len(t, genStage.Extra, 1)
	assert.Equal(t, artifact.KindPrompt, genStage.Extra[0].Kind)
	prompt, err := r.Store.Get(genStage.Extra[0].Hash)
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "id,value")

	entries, err := r.DB.ListManifestEntries(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "generate_code", entries[0].StageID)
	assert.Equal(t, "execute", entries[1].StageID)
	assert.Equal(t, "gemini-2.5-pro", entries[0].ModelID)
	assert.InDelta(t, 0.01, entries[0].Cost, 1e-9)
}

func TestRerunIsFullyCached(t *testing.T) {
	r, gen, exec := newRunner(t)
	graph := twoStageGraph()
	inputs := datasetInput("id,value\n1,10\n2,30\n")

	first, err := r.Run(context.Background(), graph, inputs)
	require.NoError(t, err)

	second, err := r.Run(context.Background(), graph, inputs)
	require.NoError(t, err)

	assert.Equal(t, db.RunStatusCompleted, second.Status)
	for i, sr := range second.Stages {
		assert.Equal(t, db.CacheHit, sr.CacheStatus, sr.StageID)
		assert.Equal(t, first.Stages[i].Output.Hash, sr.Output.Hash)
	}
	assert.Equal(t, 1, gen.calls, "cached generator stage must not re-ask the model")
	assert.Equal(t, 1, exec.calls, "cached executor stage must not re-execute")

	// The replayed run still gets its own full manifest.
	entries, err := r.DB.ListManifestEntries(context.Background(), second.RunID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, db.CacheHit, e.CacheStatus)
	}
}

func TestInputMutationInvalidatesDownstream(t *testing.T) {
	r, gen, exec := newRunner(t)
	graph := twoStageGraph()

	_, err := r.Run(context.Background(), graph, datasetInput("id,value\n1,10\n2,30\n"))
	require.NoError(t, err)

	// One changed byte in the dataset.
	result, err := r.Run(context.Background(), graph, datasetInput("id,value\n1,10\n2,31\n"))
	require.NoError(t, err)

	for _, sr := range result.Stages {
		assert.Equal(t, db.CacheMiss, sr.CacheStatus, sr.StageID)
	}
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, 2, exec.calls)
}

func TestFailFastRecordsDependencyFailures(t *testing.T) {
	r, _, exec := newRunner(t)
	exec.fn = func(string, []sandbox.Binding, string) (*sandbox.ExecutionResult, error) {
		return &sandbox.ExecutionResult{
			Outcome: sandbox.OutcomeSecurityViolation,
			Detail:  "line 2: call to os.system",
		}, nil
	}

	graph := twoStageGraph()
	graph.Stages = append(graph.Stages, Stage{
		ID:             "synthesize",
		Backend:        BackendGenerator,
		ModelID:        "gemini-2.5-pro",
		PromptTemplate: "Summarize: {{metrics}}",
		OutputKind:     artifact.KindRawText,
		Inputs:         []InputRef{{Name: "metrics", Stage: "execute"}},
	})

	result, err := r.Run(context.Background(), graph, datasetInput("id,value\n1,10\n"))
	require.NoError(t, err)

	assert.True(t, result.Failed())
	assert.Equal(t, "execute", result.FailedStage)
	require.Len(t, result.Stages, 3)
	assert.Equal(t, db.OutcomeSuccess, result.Stages[0].Outcome)
	assert.Equal(t, db.OutcomeSecurityViolation, result.Stages[1].Outcome)
	assert.Equal(t, db.OutcomeDependencyFailure, result.Stages[2].Outcome)

	run, err := r.DB.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	assert.Equal(t, "execute", run.FailedStage)
	assert.Equal(t, db.OutcomeSecurityViolation, run.FailureOutcome)

	entries, err := r.DB.ListManifestEntries(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Empty(t, entries[1].OutputHash, "failed stage must not record an output")
	assert.Empty(t, entries[2].OutputHash)
	assert.Contains(t, entries[1].Detail, "os.system")
}

func TestFailedStageIsNeverCached(t *testing.T) {
	r, _, exec := newRunner(t)
	exec.fn = func(string, []sandbox.Binding, string) (*sandbox.ExecutionResult, error) {
		return &sandbox.ExecutionResult{Outcome: sandbox.OutcomeTimeout, Detail: "wall clock exceeded"}, nil
	}
	graph := twoStageGraph()
	inputs := datasetInput("id,value\n1,10\n")

	first, err := r.Run(context.Background(), graph, inputs)
	require.NoError(t, err)
	require.True(t, first.Failed())

	// Once the executor behaves, the same inputs must recompute, not replay
	// the failure.
	exec.fn = nil
	second, err := r.Run(context.Background(), graph, inputs)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, second.Status)
	assert.Equal(t, db.CacheHit, second.Stages[0].CacheStatus, "successful upstream stage stays cached")
	assert.Equal(t, db.CacheMiss, second.Stages[1].CacheStatus)
}

func TestGeneratorErrorFailsRun(t *testing.T) {
	r, gen, _ := newRunner(t)
	gen.fn = func(string, string) (string, error) {
		return "", errors.New("model unavailable")
	}

	result, err := r.Run(context.Background(), twoStageGraph(), datasetInput("id,value\n1,10\n"))
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Equal(t, "generate_code", result.FailedStage)
	assert.Equal(t, db.OutcomeRuntimeError, result.Stages[0].Outcome)
	assert.Contains(t, result.Stages[0].Detail, "model unavailable")
}

func TestExecutorOutputFile(t *testing.T) {
	r, _, exec := newRunner(t)
	exec.fn = func(_ string, _ []sandbox.Binding, scratch string) (*sandbox.ExecutionResult, error) {
		path := filepath.Join(scratch, "metrics.json")
		if err := os.WriteFile(path, []byte(`{"mean":20}`), 0o644); err != nil {
			return nil, err
		}
		return &sandbox.ExecutionResult{
			Outcome:  sandbox.OutcomeSuccess,
			Stdout:   "wrote metrics\n",
			Produced: []sandbox.ProducedFile{{Name: "metrics.json", Path: path, Size: 11}},
		}, nil
	}

	graph := twoStageGraph()
	graph.Stage("execute").OutputFile = "metrics.json"

	result, err := r.Run(context.Background(), graph, datasetInput("id,value\n1,10\n2,30\n"))
	require.NoError(t, err)
	require.Equal(t, db.RunStatusCompleted, result.Status)

	out := result.Stages[1].Output
	content, err := r.Store.Get(out.Hash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mean":20}`, string(content))

	// Captured stdout rides along as a log artifact.
	require.Len(t, result.Stages[1].Extra, 1)
	assert.Equal(t, artifact.KindLog, result.Stages[1].Extra[0].Kind)
}

func TestExecutorMissingOutputFileFailsStage(t *testing.T) {
	r, _, _ := newRunner(t)
	graph := twoStageGraph()
	graph.Stage("execute").OutputFile = "metrics.json"

	result, err := r.Run(context.Background(), graph, datasetInput("id,value\n1,10\n"))
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Equal(t, db.OutcomeRuntimeError, result.Stages[1].Outcome)
	assert.Contains(t, result.Stages[1].Detail, "metrics.json")
}

func TestMissingRunInput(t *testing.T) {
	r, _, _ := newRunner(t)
	_, err := r.Run(context.Background(), twoStageGraph(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing run input "dataset"`)
}

func TestRunBatch(t *testing.T) {
	r, gen, exec := newRunner(t)
	graph := twoStageGraph()

	batches := make(map[string][]RunInput)
	for i := 0; i < 3; i++ {
		batches[fmt.Sprintf("run-%d", i)] = datasetInput(fmt.Sprintf("id,value\n1,%d\n", i))
	}

	results, err := r.RunBatch(context.Background(), graph, batches, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for name, res := range results {
		assert.Equal(t, db.RunStatusCompleted, res.Status, name)
	}
	assert.Equal(t, 3, gen.calls)
	assert.Equal(t, 3, exec.calls)
}

// jsonFakeGenerator upgrades fakeGenerator with a JSON mode so tests can
// tell which path a stage took.
type jsonFakeGenerator struct {
	fakeGenerator
	jsonCalls int
}

func (f *jsonFakeGenerator) GenerateJSON(_ context.Context, _, _ string) (*Generation, error) {
	f.mu.Lock()
	f.jsonCalls++
	f.mu.Unlock()
	return &Generation{Text: `{"claims":["structured"]}`, CostUSD: 0.01}, nil
}

func TestJSONStagesUseJSONGeneration(t *testing.T) {
	r, _, _ := newRunner(t)
	gen := &jsonFakeGenerator{}
	r.Generator = gen

	graph := &Graph{
		Name:   "extraction",
		Inputs: []string{"dataset"},
		Stages: []Stage{
			{
				ID:             "extract",
				Backend:        BackendGenerator,
				ModelID:        "gemini-2.5-flash",
				PromptTemplate: "Extract claims from:\n{{dataset}}",
				JSONOutput:     true,
				OutputKind:     artifact.KindRawText,
				Inputs:         []InputRef{{Name: "dataset", Input: "dataset"}},
			},
			{
				ID:             "summarize",
				Backend:        BackendGenerator,
				ModelID:        "gemini-2.5-flash",
				PromptTemplate: "Summarize:\n{{claims}}",
				OutputKind:     artifact.KindRawText,
				Inputs:         []InputRef{{Name: "claims", Stage: "extract"}},
			},
		},
	}

	result, err := r.Run(context.Background(), graph, datasetInput("id,value\n1,10\n"))
	require.NoError(t, err)
	require.Equal(t, db.RunStatusCompleted, result.Status)

	assert.Equal(t, 1, gen.jsonCalls, "json stage must use JSON generation")
	assert.Equal(t, 1, gen.calls, "text stage must use plain generation")

	extracted, err := r.Store.Get(result.Stages[0].Output.Hash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"claims":["structured"]}`, string(extracted))
}

func TestGarbageCollectKeepsExtraArtifacts(t *testing.T) {
	r, _, _ := newRunner(t)
	graph := twoStageGraph()

	result, err := r.Run(context.Background(), graph, datasetInput("id,value\n1,10\n2,30\n"))
	require.NoError(t, err)
	require.Len(t, result.Stages[0].Extra, 1)
	promptHash := result.Stages[0].Extra[0].Hash

	entries, err := r.DB.ListManifestEntries(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Contains(t, entries[0].ExtraHashes, promptHash)

	live, err := r.DB.LiveHashes(context.Background())
	require.NoError(t, err)
	assert.True(t, live[promptHash])

	removed, err := r.Store.GarbageCollect(live)
	require.NoError(t, err)
	assert.Empty(t, removed)

	has, err := r.Store.Has(promptHash)
	require.NoError(t, err)
	assert.True(t, has, "committed rendered prompt must survive collection")
}

func TestCommitFailureDiscardsWorkspace(t *testing.T) {
	r, _, _ := newRunner(t)
	graph := twoStageGraph()

	// A regular file where the output's shard directory belongs makes the
	// store reject the commit.
	code := "vs = tab.col(dataset, \"value\")\nprint(tab.mean(vs))"
	codeHash := artifact.HashBytes([]byte(code))
	require.NoError(t, os.WriteFile(filepath.Join(r.Store.Root(), codeHash[:2]), []byte("x"), 0o644))

	_, err := r.Run(context.Background(), graph, datasetInput("id,value\n1,10\n2,30\n"))
	require.Error(t, err)

	leftovers, err := os.ReadDir(r.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "failed commit must not leak the workspace")
}
