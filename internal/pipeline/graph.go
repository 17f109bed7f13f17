// Package pipeline provides the high-level orchestration for staged research
// runs: dependency ordering, cache consultation, sandboxed execution and
// provenance recording.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/replicable-dev/researchpipe/internal/artifact"
	"github.com/replicable-dev/researchpipe/internal/capability"
	"github.com/replicable-dev/researchpipe/internal/sandbox"
)

// BackendKind selects how a stage produces its output.
type BackendKind string

const (
	// BackendGenerator prompts a language model and captures its text output.
	BackendGenerator BackendKind = "generator"
	// BackendExecutor runs generated code from an upstream stage in the
	// sandbox.
	BackendExecutor BackendKind = "executor"
)

// InputRef names one input a stage consumes. Exactly one of Stage or Input
// is set: Stage refers to another stage's committed output, Input to a
// run-level input supplied at run start. The declared order of a stage's
// inputs is part of its cache identity and must stay stable.
type InputRef struct {
	Name  string
	Stage string
	Input string

	// Kind controls how executor stages bind the value inside the sandbox.
	// Generator stages interpolate the raw content instead.
	Kind sandbox.BindingKind
}

// Stage is one node of a pipeline graph.
type Stage struct {
	ID      string
	Backend BackendKind
	Inputs  []InputRef

	// OutputKind is the artifact kind of the stage's primary output.
	OutputKind artifact.Kind

	// Generator fields.
	ModelID        string
	PromptTemplate string

	// JSONOutput asks the generator for a strict-JSON response. It is part
	// of the stage's cache identity: the same template in text mode and in
	// JSON mode must not share cached outputs.
	JSONOutput bool

	// Executor fields.
	CodeFrom     string // input name carrying the code to execute
	Capabilities []string
	Limits       capability.Limits
	OutputFile   string // scratch file treated as the primary output; empty means stdout
}

// dependsOn lists the stage IDs this stage consumes outputs from.
func (s *Stage) dependsOn() []string {
	var deps []string
	for _, in := range s.Inputs {
		if in.Stage != "" {
			deps = append(deps, in.Stage)
		}
	}
	return deps
}

// templateHash is the cache-key identity of the stage's prompt template.
// Executor stages have no template; their identity lives in the code input.
func (s *Stage) templateHash() string {
	if s.PromptTemplate == "" {
		return ""
	}
	t := s.PromptTemplate
	if s.JSONOutput {
		t += "\x00json"
	}
	return artifact.HashBytes([]byte(t))
}

// renderPrompt interpolates {{name}} placeholders with input content.
func (s *Stage) renderPrompt(inputs map[string][]byte) (string, error) {
	prompt := s.PromptTemplate
	for name, content := range inputs {
		prompt = strings.ReplaceAll(prompt, "{{"+name+"}}", string(content))
	}
	if idx := strings.Index(prompt, "{{"); idx >= 0 {
		end := strings.Index(prompt[idx:], "}}")
		if end < 0 {
			end = len(prompt) - idx
		}
		return "", fmt.Errorf("stage %s: unbound placeholder %s", s.ID, prompt[idx:idx+end+2])
	}
	return prompt, nil
}

// Graph is a validated set of stages with declared run-level inputs.
type Graph struct {
	Name   string
	Inputs []string // run-level input names callers must supply
	Stages []Stage
}

// Validate checks structural integrity: unique stage IDs, resolvable input
// references, backend-specific required fields and the absence of cycles.
func (g *Graph) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("graph requires a name")
	}
	declared := make(map[string]bool, len(g.Inputs))
	for _, name := range g.Inputs {
		if declared[name] {
			return fmt.Errorf("duplicate run input %q", name)
		}
		declared[name] = true
	}

	stages := make(map[string]*Stage, len(g.Stages))
	for i := range g.Stages {
		s := &g.Stages[i]
		if s.ID == "" {
			return fmt.Errorf("stage %d has no id", i)
		}
		if _, dup := stages[s.ID]; dup {
			return fmt.Errorf("duplicate stage id %q", s.ID)
		}
		stages[s.ID] = s
	}

	for i := range g.Stages {
		s := &g.Stages[i]
		names := make(map[string]bool, len(s.Inputs))
		for _, in := range s.Inputs {
			if in.Name == "" {
				return fmt.Errorf("stage %s: input with no name", s.ID)
			}
			if names[in.Name] {
				return fmt.Errorf("stage %s: duplicate input name %q", s.ID, in.Name)
			}
			names[in.Name] = true
			switch {
			case in.Stage != "" && in.Input != "":
				return fmt.Errorf("stage %s: input %q references both a stage and a run input", s.ID, in.Name)
			case in.Stage != "":
				if _, ok := stages[in.Stage]; !ok {
					return fmt.Errorf("stage %s: input %q references unknown stage %q", s.ID, in.Name, in.Stage)
				}
				if in.Stage == s.ID {
					return fmt.Errorf("stage %s: input %q references itself", s.ID, in.Name)
				}
			case in.Input != "":
				if !declared[in.Input] {
					return fmt.Errorf("stage %s: input %q references undeclared run input %q", s.ID, in.Name, in.Input)
				}
			default:
				return fmt.Errorf("stage %s: input %q references nothing", s.ID, in.Name)
			}
		}

		if !artifact.ValidKind(s.OutputKind) {
			return fmt.Errorf("stage %s: invalid output kind %q", s.ID, s.OutputKind)
		}

		switch s.Backend {
		case BackendGenerator:
			if s.ModelID == "" {
				return fmt.Errorf("stage %s: generator stage requires a model id", s.ID)
			}
			if s.PromptTemplate == "" {
				return fmt.Errorf("stage %s: generator stage requires a prompt template", s.ID)
			}
		case BackendExecutor:
			if s.CodeFrom == "" {
				return fmt.Errorf("stage %s: executor stage requires a code input", s.ID)
			}
			if !names[s.CodeFrom] {
				return fmt.Errorf("stage %s: code input %q is not among the stage's inputs", s.ID, s.CodeFrom)
			}
			if len(s.Capabilities) == 0 {
				return fmt.Errorf("stage %s: executor stage requires at least one capability", s.ID)
			}
		default:
			return fmt.Errorf("stage %s: unknown backend %q", s.ID, s.Backend)
		}
	}

	if _, err := g.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns the stages in dependency order. Declaration order breaks
// ties, so the order is deterministic for a given graph.
func (g *Graph) TopoOrder() ([]*Stage, error) {
	placed := make(map[string]bool, len(g.Stages))
	var order []*Stage
	for len(order) < len(g.Stages) {
		progressed := false
		for i := range g.Stages {
			s := &g.Stages[i]
			if placed[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.dependsOn() {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[s.ID] = true
				order = append(order, s)
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for i := range g.Stages {
				if !placed[g.Stages[i].ID] {
					stuck = append(stuck, g.Stages[i].ID)
				}
			}
			return nil, fmt.Errorf("dependency cycle among stages: %s", strings.Join(stuck, ", "))
		}
	}
	return order, nil
}

// Stage returns the stage with the given id, or nil.
func (g *Graph) Stage(id string) *Stage {
	for i := range g.Stages {
		if g.Stages[i].ID == id {
			return &g.Stages[i]
		}
	}
	return nil
}
