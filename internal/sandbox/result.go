// Package sandbox statically vets and then executes generated Starlark code
// in an isolated child process under hard resource limits.
package sandbox

import "github.com/replicable-dev/researchpipe/internal/capability"

// Outcome classifies one execution attempt. Callers branch on this value;
// none of the failure outcomes is retried automatically.
type Outcome string

// Execution outcomes.
const (
	OutcomeSuccess           Outcome = "success"
	OutcomeSecurityViolation Outcome = "security-violation"
	OutcomeResourceExceeded  Outcome = "resource-exceeded"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeRuntimeError      Outcome = "runtime-error"
)

// BindingKind declares how a context binding's bytes are decoded inside the
// sandbox.
type BindingKind string

// Binding kinds.
const (
	BindingText    BindingKind = "text"    // bound as a string
	BindingJSON    BindingKind = "json"    // decoded JSON value
	BindingTabular BindingKind = "tabular" // CSV decoded to a dict of column lists
)

// Binding carries one named value into the sandbox. Bindings are serialized
// bytes, never live references, so sandboxed code cannot reach back into
// orchestrator memory.
type Binding struct {
	Name string      `json:"name"`
	Kind BindingKind `json:"kind"`
	Data []byte      `json:"data"`
}

// Request is the wire format the parent writes to the child's stdin.
type Request struct {
	Code     string                `json:"code"`
	Allow    *capability.AllowList `json:"allow"`
	Bindings []Binding             `json:"bindings,omitempty"`
	Limits   capability.Limits     `json:"limits"`
	Scratch  string                `json:"scratch"`
}

// Response is the wire format the child writes to its stdout.
type Response struct {
	Outcome Outcome `json:"outcome"`
	Stdout  string  `json:"stdout"`
	Stderr  string  `json:"stderr"`
	Detail  string  `json:"detail,omitempty"`
	Steps   uint64  `json:"steps"`
}

// ProducedFile is one file the sandboxed code wrote into the scratch
// directory.
type ProducedFile struct {
	Name string
	Path string
	Size int64
}

// ExecutionResult is the parent-side result of one execution attempt.
type ExecutionResult struct {
	Outcome    Outcome
	Stdout     string
	Stderr     string
	Detail     string
	Steps      uint64
	DurationMs int64
	Produced   []ProducedFile
}
