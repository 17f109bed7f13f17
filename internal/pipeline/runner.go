package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/replicable-dev/researchpipe/internal/artifact"
	"github.com/replicable-dev/researchpipe/internal/cache"
	"github.com/replicable-dev/researchpipe/internal/capability"
	"github.com/replicable-dev/researchpipe/internal/db"
	"github.com/replicable-dev/researchpipe/internal/llm"
	"github.com/replicable-dev/researchpipe/internal/observability"
	"github.com/replicable-dev/researchpipe/internal/sandbox"
	"github.com/replicable-dev/researchpipe/internal/workspace"
)

// Generation is one model response.
type Generation struct {
	Text    string
	CostUSD float64
}

// Generator produces text from a prompt. Implementations must be
// deterministic per (modelID, prompt) only in the sense that the pipeline
// never re-asks on a cache hit; the text itself may vary between calls.
type Generator interface {
	Generate(ctx context.Context, modelID, prompt string) (*Generation, error)
}

// JSONGenerator is an optional Generator upgrade for stages that declare
// JSONOutput. Generators without it fall back to plain text generation.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, modelID, prompt string) (*Generation, error)
}

// CodeExecutor runs generated code under capability restrictions. It is
// implemented by sandbox.Executor; tests substitute their own.
type CodeExecutor interface {
	Execute(ctx context.Context, code string, capabilities []string, bindings []sandbox.Binding, scratch string, limits capability.Limits) (*sandbox.ExecutionResult, error)
}

// RunInput is one run-level input artifact, keyed by the name the graph
// declares for it.
type RunInput struct {
	Name    string
	Kind    artifact.Kind
	Content []byte
}

// StageResult is the per-stage view of a finished run.
type StageResult struct {
	StageID     string
	CacheStatus string
	Outcome     string
	Detail      string
	Output      *artifact.Artifact
	Extra       []*artifact.Artifact
	DurationMs  int64
	CostUSD     float64
}

// RunResult summarizes one pipeline run.
type RunResult struct {
	RunID       uuid.UUID
	Status      string
	FailedStage string
	Stages      []StageResult
}

// Failed reports whether the run stopped on a stage failure.
func (r *RunResult) Failed() bool {
	return r.Status == db.RunStatusFailed
}

// Runner executes pipeline graphs. One Runner may serve many runs,
// concurrently via RunBatch.
type Runner struct {
	DB        *db.DB
	Store     *artifact.Store
	Cache     *cache.Manager
	Generator Generator
	Executor  CodeExecutor

	// WorkDir is the base directory for per-stage workspaces.
	WorkDir string

	Verbose bool
	Printer *observability.Printer
}

// Run executes every stage of the graph in dependency order. A stage failure
// stops the run: no later stage executes, and each skipped stage is recorded
// with a dependency-failure manifest entry. Run returns an error only for
// infrastructure faults (storage, database, cancellation); a failed run is a
// valid result.
func (r *Runner) Run(ctx context.Context, graph *Graph, inputs []RunInput) (*RunResult, error) {
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	order, err := graph.TopoOrder()
	if err != nil {
		return nil, err
	}

	inputArts := make(map[string]*artifact.Artifact, len(inputs))
	for _, in := range inputs {
		art, err := r.Store.Put(in.Content, in.Kind, "", nil)
		if err != nil {
			return nil, fmt.Errorf("store run input %q: %w", in.Name, err)
		}
		inputArts[in.Name] = art
	}
	for _, name := range graph.Inputs {
		if _, ok := inputArts[name]; !ok {
			return nil, fmt.Errorf("missing run input %q", name)
		}
	}

	runID, err := r.DB.CreateRun(ctx, graph.Name)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	result := &RunResult{RunID: runID, Status: db.RunStatusCompleted}
	outputs := make(map[string]*artifact.Artifact, len(order))

	for i, stage := range order {
		if result.FailedStage != "" {
			sr, err := r.skipStage(ctx, runID, stage)
			if err != nil {
				return nil, err
			}
			result.Stages = append(result.Stages, *sr)
			continue
		}

		fmt.Printf("Stage %d/%d: %s...\n", i+1, len(order), stage.ID)
		sr, err := r.runStage(ctx, runID, stage, inputArts, outputs)
		if err != nil {
			_ = r.DB.FailRun(ctx, runID, stage.ID, db.OutcomeRuntimeError)
			return nil, fmt.Errorf("stage %s: %w", stage.ID, err)
		}
		result.Stages = append(result.Stages, *sr)
		if r.Verbose && r.Printer != nil {
			r.Printer.PrintStageResult(sr.StageID, sr.CacheStatus, sr.Outcome, sr.Detail, sr.DurationMs)
		}

		if sr.Outcome != db.OutcomeSuccess {
			result.Status = db.RunStatusFailed
			result.FailedStage = stage.ID
			if err := r.DB.FailRun(ctx, runID, stage.ID, sr.Outcome); err != nil {
				return nil, fmt.Errorf("record run failure: %w", err)
			}
			fmt.Printf("Stage %s failed (%s); skipping remaining stages.\n", stage.ID, sr.Outcome)
			continue
		}
		outputs[stage.ID] = sr.Output
	}

	if result.FailedStage == "" {
		if err := r.DB.CompleteRun(ctx, runID); err != nil {
			return nil, fmt.Errorf("complete run: %w", err)
		}
	}
	return result, nil
}

// resolveInputs maps a stage's declared inputs to committed artifacts in
// declaration order.
func (r *Runner) resolveInputs(stage *Stage, inputArts, outputs map[string]*artifact.Artifact) ([]*artifact.Artifact, error) {
	arts := make([]*artifact.Artifact, 0, len(stage.Inputs))
	for _, in := range stage.Inputs {
		var art *artifact.Artifact
		if in.Stage != "" {
			art = outputs[in.Stage]
		} else {
			art = inputArts[in.Input]
		}
		if art == nil {
			return nil, fmt.Errorf("stage %s: input %q is unresolved", stage.ID, in.Name)
		}
		arts = append(arts, art)
	}
	return arts, nil
}

func hashesOf(arts []*artifact.Artifact) []string {
	hashes := make([]string, len(arts))
	for i, a := range arts {
		hashes[i] = a.Hash
	}
	return hashes
}

func (r *Runner) runStage(ctx context.Context, runID uuid.UUID, stage *Stage, inputArts, outputs map[string]*artifact.Artifact) (*StageResult, error) {
	start := time.Now()
	inArts, err := r.resolveInputs(stage, inputArts, outputs)
	if err != nil {
		return nil, err
	}
	inHashes := hashesOf(inArts)

	cached, err := r.Cache.Lookup(ctx, stage.ID, stage.ModelID, stage.templateHash(), inHashes)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		sr := &StageResult{
			StageID:     stage.ID,
			CacheStatus: db.CacheHit,
			Outcome:     db.OutcomeSuccess,
			Output:      cached,
			DurationMs:  time.Since(start).Milliseconds(),
		}
		if err := r.appendEntry(ctx, runID, stage, sr, inHashes); err != nil {
			return nil, err
		}
		return sr, nil
	}

	ws, err := workspace.Open(r.WorkDir, stage.ID)
	if err != nil {
		return nil, err
	}

	var sr *StageResult
	switch stage.Backend {
	case BackendGenerator:
		sr, err = r.runGenerator(ctx, stage, inArts, ws)
	case BackendExecutor:
		sr, err = r.runExecutor(ctx, stage, inArts, ws)
	default:
		err = fmt.Errorf("stage %s: unknown backend %q", stage.ID, stage.Backend)
	}
	if err != nil {
		_ = ws.Discard()
		return nil, err
	}

	if sr.Outcome != db.OutcomeSuccess {
		// Nothing from a failed attempt reaches the store or the cache.
		if err := ws.Discard(); err != nil {
			return nil, err
		}
	} else {
		committed, err := ws.Commit(r.Store)
		if err != nil {
			_ = ws.Discard()
			return nil, err
		}
		sr.Output = committed[0]
		sr.Extra = committed[1:]
		if err := r.Cache.Record(ctx, stage.ID, stage.ModelID, stage.templateHash(), inHashes, sr.Output); err != nil {
			return nil, err
		}
	}

	sr.StageID = stage.ID
	sr.CacheStatus = db.CacheMiss
	sr.DurationMs = time.Since(start).Milliseconds()
	if err := r.appendEntry(ctx, runID, stage, sr, inHashes); err != nil {
		return nil, err
	}
	return sr, nil
}

// runGenerator renders the stage prompt, asks the model and stages both the
// output and the rendered prompt for commit. The primary output is staged
// first so it becomes the committed head.
func (r *Runner) runGenerator(ctx context.Context, stage *Stage, inArts []*artifact.Artifact, ws *workspace.Workspace) (*StageResult, error) {
	contents := make(map[string][]byte, len(stage.Inputs))
	for i, in := range stage.Inputs {
		data, err := r.Store.Get(inArts[i].Hash)
		if err != nil {
			return nil, err
		}
		contents[in.Name] = data
	}
	prompt, err := stage.renderPrompt(contents)
	if err != nil {
		return nil, err
	}

	var gen *Generation
	if jg, ok := r.Generator.(JSONGenerator); ok && stage.JSONOutput {
		gen, err = jg.GenerateJSON(ctx, stage.ModelID, prompt)
	} else {
		gen, err = r.Generator.Generate(ctx, stage.ModelID, prompt)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &StageResult{Outcome: db.OutcomeRuntimeError, Detail: err.Error()}, nil
	}

	text := gen.Text
	if stage.OutputKind == artifact.KindGeneratedCode {
		// Models wrap code in markdown fences no matter the instructions.
		text = llm.CleanCodeBlock(text)
	}

	inHashes := hashesOf(inArts)
	if err := ws.Stage([]byte(text), stage.OutputKind, inHashes); err != nil {
		return nil, err
	}
	if err := ws.Stage([]byte(prompt), artifact.KindPrompt, inHashes); err != nil {
		return nil, err
	}
	return &StageResult{Outcome: db.OutcomeSuccess, CostUSD: gen.CostUSD}, nil
}

// runExecutor feeds the code input to the sandbox with the remaining inputs
// as bindings, then stages the declared output file (or captured stdout)
// plus any extra produced files.
func (r *Runner) runExecutor(ctx context.Context, stage *Stage, inArts []*artifact.Artifact, ws *workspace.Workspace) (*StageResult, error) {
	var code []byte
	var bindings []sandbox.Binding
	for i, in := range stage.Inputs {
		data, err := r.Store.Get(inArts[i].Hash)
		if err != nil {
			return nil, err
		}
		if in.Name == stage.CodeFrom {
			code = data
			continue
		}
		kind := in.Kind
		if kind == "" {
			kind = bindingKindFor(inArts[i].Kind)
		}
		bindings = append(bindings, sandbox.Binding{Name: in.Name, Kind: kind, Data: data})
	}

	res, err := r.Executor.Execute(ctx, string(code), stage.Capabilities, bindings, ws.ScratchDir(), stage.Limits)
	if err != nil {
		return nil, err
	}
	if res.Outcome != sandbox.OutcomeSuccess {
		return &StageResult{Outcome: string(res.Outcome), Detail: res.Detail}, nil
	}

	inHashes := hashesOf(inArts)
	if stage.OutputFile != "" {
		staged := false
		for _, f := range res.Produced {
			if f.Name == stage.OutputFile {
				if err := ws.StageFile(f.Path, stage.OutputKind, inHashes); err != nil {
					return nil, err
				}
				staged = true
				break
			}
		}
		if !staged {
			return &StageResult{
				Outcome: db.OutcomeRuntimeError,
				Detail:  fmt.Sprintf("expected output file %q was not produced", stage.OutputFile),
			}, nil
		}
	} else {
		if err := ws.Stage([]byte(res.Stdout), stage.OutputKind, inHashes); err != nil {
			return nil, err
		}
	}
	for _, f := range res.Produced {
		if f.Name == stage.OutputFile {
			continue
		}
		if err := ws.StageFile(f.Path, producedKind(f.Name), inHashes); err != nil {
			return nil, err
		}
	}
	if res.Stdout != "" && stage.OutputFile != "" {
		if err := ws.Stage([]byte(res.Stdout), artifact.KindLog, inHashes); err != nil {
			return nil, err
		}
	}
	return &StageResult{Outcome: db.OutcomeSuccess}, nil
}

func bindingKindFor(kind artifact.Kind) sandbox.BindingKind {
	switch kind {
	case artifact.KindTabular:
		return sandbox.BindingTabular
	default:
		return sandbox.BindingText
	}
}

func producedKind(name string) artifact.Kind {
	switch filepath.Ext(name) {
	case ".json":
		return artifact.KindRawText
	case ".csv":
		return artifact.KindTabular
	default:
		return artifact.KindBinary
	}
}

// skipStage records a dependency-failure entry for a stage that never ran.
func (r *Runner) skipStage(ctx context.Context, runID uuid.UUID, stage *Stage) (*StageResult, error) {
	sr := &StageResult{
		StageID:     stage.ID,
		CacheStatus: db.CacheMiss,
		Outcome:     db.OutcomeDependencyFailure,
		Detail:      "upstream stage failed",
	}
	if err := r.appendEntry(ctx, runID, stage, sr, nil); err != nil {
		return nil, err
	}
	return sr, nil
}

func (r *Runner) appendEntry(ctx context.Context, runID uuid.UUID, stage *Stage, sr *StageResult, inHashes []string) error {
	entry := &db.ManifestEntry{
		RunID:       runID.String(),
		StageID:     stage.ID,
		CacheStatus: sr.CacheStatus,
		InputHashes: inHashes,
		ModelID:     stage.ModelID,
		Cost:        sr.CostUSD,
		DurationMs:  sr.DurationMs,
		Outcome:     sr.Outcome,
		Detail:      sr.Detail,
	}
	if sr.Output != nil {
		entry.OutputHash = sr.Output.Hash
	}
	for _, extra := range sr.Extra {
		entry.ExtraHashes = append(entry.ExtraHashes, extra.Hash)
	}
	if err := r.DB.AppendManifestEntry(ctx, entry); err != nil {
		return fmt.Errorf("append manifest entry: %w", err)
	}
	return nil
}

// RunBatch executes the same graph once per input set, at most concurrency
// runs in flight. Failed runs are returned like any other; only
// infrastructure errors abort the batch.
func (r *Runner) RunBatch(ctx context.Context, graph *Graph, batches map[string][]RunInput, concurrency int) (map[string]*RunResult, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	results := make(map[string]*RunResult, len(batches))

	for name, inputs := range batches {
		g.Go(func() error {
			res, err := r.Run(gCtx, graph, inputs)
			if err != nil {
				return fmt.Errorf("run %s: %w", name, err)
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
