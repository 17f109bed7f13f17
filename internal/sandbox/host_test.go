package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicable-dev/researchpipe/internal/capability"
)

func newRequest(t *testing.T, code string, capabilities []string, bindings []Binding) *Request {
	t.Helper()
	allow, err := capability.NewRegistry().Resolve(capabilities)
	require.NoError(t, err)
	return &Request{
		Code:     code,
		Allow:    allow,
		Bindings: bindings,
		Scratch:  t.TempDir(),
	}
}

func TestRunComputesMean(t *testing.T) {
	dataset := []byte("name,score\na,1\nb,2\nc,6\n")
	req := newRequest(t, `
scores = tab.col(dataset, "score")
m = tab.mean(scores)
print("mean=" + str(m))
emit("mean.txt", str(m))
`, []string{"tabular-math"}, []Binding{{Name: "dataset", Kind: BindingTabular, Data: dataset}})

	resp := run(context.Background(), req)
	require.Equal(t, OutcomeSuccess, resp.Outcome, resp.Detail)
	assert.Contains(t, resp.Stdout, "mean=3.0")

	content, err := os.ReadFile(filepath.Join(req.Scratch, "mean.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3.0", string(content))
}

func TestRunTabularStats(t *testing.T) {
	dataset := []byte("v\n4\n1\n3\n2\n")
	req := newRequest(t, `
vs = tab.col(dataset, "v")
print(tab.sum(vs), tab.min(vs), tab.max(vs), tab.median(vs), tab.count(vs))
`, []string{"tabular-math"}, []Binding{{Name: "dataset", Kind: BindingTabular, Data: dataset}})

	resp := run(context.Background(), req)
	require.Equal(t, OutcomeSuccess, resp.Outcome, resp.Detail)
	assert.Contains(t, resp.Stdout, "10.0 1.0 4.0 2.5 4")
}

func TestRunJSONBinding(t *testing.T) {
	req := newRequest(t, `
print(config["threshold"])
print(len(config["groups"]))
`, []string{"tabular-math"}, []Binding{{
		Name: "config",
		Kind: BindingJSON,
		Data: []byte(`{"threshold": 0.05, "groups": ["control", "treatment"]}`),
	}})

	resp := run(context.Background(), req)
	require.Equal(t, OutcomeSuccess, resp.Outcome, resp.Detail)
	assert.Contains(t, resp.Stdout, "0.05")
	assert.Contains(t, resp.Stdout, "2")
}

func TestRunBooleanAndNoneConstants(t *testing.T) {
	dataset := []byte("v\n1\n2\n6\n")
	req := newRequest(t, `
vs = tab.col(dataset, "v")
high = True if tab.mean(vs) > 2 else False
marker = None
if high:
    marker = "above"
print(high, marker)
`, []string{"tabular-math"}, []Binding{{Name: "dataset", Kind: BindingTabular, Data: dataset}})

	resp := run(context.Background(), req)
	require.Equal(t, OutcomeSuccess, resp.Outcome, resp.Detail)
	assert.Contains(t, resp.Stdout, "True")
	assert.Contains(t, resp.Stdout, "above")
}

func TestRestrictedModuleSurvivesAliasing(t *testing.T) {
	registry := capability.NewRegistry()
	require.NoError(t, registry.Register(capability.Entry{
		Name:    "count-only",
		Modules: []string{"text"},
		Calls:   []string{"text.count"},
	}))
	allow, err := registry.Resolve([]string{"count-only"})
	require.NoError(t, err)

	doc := Binding{Name: "doc", Kind: BindingText, Data: []byte("alpha beta gamma")}

	// Aliasing the module must not reach members outside the granted calls.
	resp := run(context.Background(), &Request{
		Code:     "t = text\nprint(t.tokens(doc))\n",
		Allow:    allow,
		Bindings: []Binding{doc},
		Scratch:  t.TempDir(),
	})
	require.NotEqual(t, OutcomeSuccess, resp.Outcome)
	assert.Contains(t, resp.Detail, "tokens")

	// The granted member stays reachable through the alias.
	resp = run(context.Background(), &Request{
		Code:     "t = text\nprint(t.count(doc, \"a\"))\n",
		Allow:    allow,
		Bindings: []Binding{doc},
		Scratch:  t.TempDir(),
	})
	require.Equal(t, OutcomeSuccess, resp.Outcome, resp.Detail)
	assert.Contains(t, resp.Stdout, "5")
}

func TestRunTextStats(t *testing.T) {
	req := newRequest(t, `
words = text.tokens(doc)
emit("count.txt", str(len(words)))
`, []string{"text-stats"}, []Binding{{Name: "doc", Kind: BindingText, Data: []byte("alpha beta gamma")}})

	resp := run(context.Background(), req)
	require.Equal(t, OutcomeSuccess, resp.Outcome, resp.Detail)

	content, err := os.ReadFile(filepath.Join(req.Scratch, "count.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(content))
}

func TestRunPlotWritesSVG(t *testing.T) {
	req := newRequest(t, `
plot.bar("means", ["a", "b"], [1.5, 2.5])
plot.line("trend", [1, 2, 4, 8])
`, []string{"plotting"}, nil)

	resp := run(context.Background(), req)
	require.Equal(t, OutcomeSuccess, resp.Outcome, resp.Detail)

	for _, name := range []string{"means.svg", "trend.svg"} {
		content, err := os.ReadFile(filepath.Join(req.Scratch, name))
		require.NoError(t, err)
		assert.Contains(t, string(content), "<svg")
	}
}

func TestRunRejectsDisallowedCodeBeforeExecution(t *testing.T) {
	req := newRequest(t, `
emit("proof.txt", "ran")
x = os.environ
`, []string{"tabular-math"}, nil)

	resp := run(context.Background(), req)
	assert.Equal(t, OutcomeSecurityViolation, resp.Outcome)

	// Rejection happens pre-execution: nothing was written.
	_, err := os.Stat(filepath.Join(req.Scratch, "proof.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunStepLimit(t *testing.T) {
	req := newRequest(t, `
total = 0
for i in range(100000000):
    total += i
`, []string{"tabular-math"}, nil)
	req.Limits = capability.Limits{MaxSteps: 10_000}

	resp := run(context.Background(), req)
	assert.Equal(t, OutcomeResourceExceeded, resp.Outcome)
	assert.Contains(t, resp.Detail, "execution steps")
}

func TestRunOutputLimit(t *testing.T) {
	req := newRequest(t, `
for i in range(10000):
    print("spam spam spam spam spam")
`, []string{"tabular-math"}, nil)
	req.Limits = capability.Limits{MaxOutputBytes: 1024, MaxSteps: 50_000_000}

	resp := run(context.Background(), req)
	assert.Equal(t, OutcomeResourceExceeded, resp.Outcome)
	assert.Contains(t, resp.Detail, "stdout exceeded")
}

func TestRunRuntimeError(t *testing.T) {
	req := newRequest(t, `
xs = [1, 2, 3]
y = xs[10]
`, []string{"tabular-math"}, nil)

	resp := run(context.Background(), req)
	assert.Equal(t, OutcomeRuntimeError, resp.Outcome)
	assert.Contains(t, resp.Stderr, "generated.star")
}

func TestRunPoisonedBuiltins(t *testing.T) {
	// A getattr call that static vetting somehow missed must still fail at
	// runtime because the predeclared env shadows it.
	h := &host{scratch: t.TempDir(), limits: defaultLimits}
	allow, err := capability.NewRegistry().Resolve([]string{"tabular-math"})
	require.NoError(t, err)
	predeclared, err := h.buildPredeclared(&Request{Allow: allow})
	require.NoError(t, err)

	poisoned, ok := predeclared["getattr"]
	require.True(t, ok)
	assert.Contains(t, poisoned.String(), "getattr")
}

func TestRunEmitRejectsTraversal(t *testing.T) {
	req := newRequest(t, `emit("../escape.txt", "out")`, []string{"tabular-math"}, nil)
	resp := run(context.Background(), req)
	assert.Equal(t, OutcomeRuntimeError, resp.Outcome)
	assert.Contains(t, resp.Detail, "plain file name")

	parent := filepath.Dir(req.Scratch)
	_, err := os.Stat(filepath.Join(parent, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunFileSizeLimit(t *testing.T) {
	req := newRequest(t, `emit("big.txt", "x" * 100000)`, []string{"tabular-math"}, nil)
	req.Limits = capability.Limits{MaxFileBytes: 1024}

	resp := run(context.Background(), req)
	assert.Equal(t, OutcomeRuntimeError, resp.Outcome)
	assert.Contains(t, resp.Detail, "exceeds")
}

func TestValidScratchName(t *testing.T) {
	assert.NoError(t, validScratchName("result.json"))
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../up"} {
		assert.Error(t, validScratchName(name), name)
	}
}

func TestCSVToTableMixedColumns(t *testing.T) {
	value, err := csvToTable([]byte("name,score\nalice,1.5\nbob,2\n"))
	require.NoError(t, err)
	s := value.String()
	assert.Contains(t, s, `"alice"`)
	assert.True(t, strings.Contains(s, "1.5"))
}
