package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/replicable-dev/researchpipe/internal/capability"
)

// maxResponseBytes caps the child's response document, independent of the
// stdout ceiling enforced inside the sandbox.
const maxResponseBytes = 8 << 20

// defaultGracePeriod is how long after the wall-clock ceiling the parent
// waits before killing the sandbox process group.
const defaultGracePeriod = 2 * time.Second

// Executor is the parent-side secure code executor: it vets generated code
// against resolved capabilities and runs it in an isolated child process.
type Executor struct {
	Registry *capability.Registry

	// Command is the argv prefix used to spawn the sandbox child. Empty
	// means re-invoke the current binary with the sandbox-exec subcommand.
	Command []string

	// ExtraEnv is appended to the child's otherwise empty environment.
	ExtraEnv []string

	// GracePeriod overrides defaultGracePeriod, mainly for tests.
	GracePeriod time.Duration
}

// NewExecutor creates an executor over the given capability registry.
func NewExecutor(registry *capability.Registry) *Executor {
	return &Executor{Registry: registry}
}

// Execute vets and runs code with the union of the named capabilities.
// stageLimits are the stage-declared ceilings; capability overrides win over
// them, executor defaults fill the rest. A non-nil error reports
// infrastructure failure (unknown capability, spawn failure, cancellation);
// everything the code itself did wrong is an Outcome in the result.
func (e *Executor) Execute(ctx context.Context, code string, capabilities []string, bindings []Binding, scratch string, stageLimits capability.Limits) (*ExecutionResult, error) {
	allow, err := e.Registry.Resolve(capabilities)
	if err != nil {
		return nil, err
	}
	limits := allow.Limits.Merge(stageLimits).Merge(defaultLimits)

	bindingNames := make([]string, len(bindings))
	for i, binding := range bindings {
		bindingNames[i] = binding.Name
	}

	start := time.Now()
	if violations := Vet(code, allow, bindingNames); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.String()
		}
		return &ExecutionResult{
			Outcome:    OutcomeSecurityViolation,
			Detail:     strings.Join(msgs, "; "),
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	reqBytes, err := json.Marshal(&Request{
		Code:     code,
		Allow:    allow,
		Bindings: bindings,
		Limits:   limits,
		Scratch:  scratch,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sandbox request: %w", err)
	}

	argv := e.Command
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate sandbox binary: %w", err)
		}
		argv = []string{self, "sandbox-exec"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(reqBytes)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = newLimitedWriter(&stdout, maxResponseBytes)
	cmd.Stderr = newLimitedWriter(&stderr, maxResponseBytes)
	// The child gets no inherited environment; it needs none.
	cmd.Env = append([]string{}, e.ExtraEnv...)
	configureSandboxProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox process: %w", err)
	}

	grace := e.GracePeriod
	if grace == 0 {
		grace = defaultGracePeriod
	}
	deadline := time.Duration(limits.WallClockMs)*time.Millisecond + grace

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timedOut bool
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		terminateSandboxProcess(cmd)
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(deadline):
		// The child's own wall-clock guard failed to fire; kill the group.
		timedOut = true
		terminateSandboxProcess(cmd)
		<-waitErr
	}

	result := &ExecutionResult{DurationMs: time.Since(start).Milliseconds()}

	if timedOut {
		result.Outcome = OutcomeTimeout
		result.Detail = fmt.Sprintf("sandbox process killed after %s", deadline)
		result.Stderr = stderr.String()
		return result, nil
	}
	if err != nil {
		// The child exits zero even for failing code; a non-zero exit means
		// the process itself died (OOM kill, protocol break).
		result.Outcome = OutcomeResourceExceeded
		result.Detail = fmt.Sprintf("sandbox process failed: %v", err)
		result.Stderr = stderr.String()
		return result, nil
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse sandbox response: %w", err)
	}

	result.Outcome = resp.Outcome
	result.Stdout = resp.Stdout
	result.Stderr = resp.Stderr
	result.Detail = resp.Detail
	result.Steps = resp.Steps

	if result.Outcome == OutcomeSuccess {
		produced, err := collectProduced(scratch, limits)
		if err != nil {
			return nil, err
		}
		result.Produced = produced
	}
	return result, nil
}

// collectProduced lists the files the sandboxed code wrote into scratch.
func collectProduced(scratch string, limits capability.Limits) ([]ProducedFile, error) {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return nil, fmt.Errorf("scan scratch dir: %w", err)
	}
	var produced []ProducedFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat scratch file: %w", err)
		}
		if limits.MaxFileBytes > 0 && info.Size() > limits.MaxFileBytes {
			return nil, fmt.Errorf("scratch file %s exceeds %d bytes", entry.Name(), limits.MaxFileBytes)
		}
		produced = append(produced, ProducedFile{
			Name: entry.Name(),
			Path: filepath.Join(scratch, entry.Name()),
			Size: info.Size(),
		})
	}
	return produced, nil
}

type limitedWriter struct {
	dst *bytes.Buffer
	max int
}

func newLimitedWriter(dst *bytes.Buffer, max int) *limitedWriter {
	return &limitedWriter{dst: dst, max: max}
}

// Write discards bytes past the cap instead of failing: the child must not
// be able to wedge the parent by flooding a pipe.
func (w *limitedWriter) Write(p []byte) (int, error) {
	room := w.max - w.dst.Len()
	if room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.dst.Write(p[:room])
	}
	return len(p), nil
}
