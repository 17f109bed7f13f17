package sandbox

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/replicable-dev/researchpipe/internal/capability"
)

// Default resource ceilings applied when neither the stage nor a capability
// override sets one.
var defaultLimits = capability.Limits{
	MaxSteps:       10_000_000,
	WallClockMs:    30_000,
	MaxMemoryBytes: 512 << 20,
	MaxOutputBytes: 1 << 20,
	MaxFileBytes:   16 << 20,
}

// host executes one vetted program inside the sandbox process.
type host struct {
	scratch string
	limits  capability.Limits
	stdout  bytes.Buffer

	outputExceeded bool
	thread         *starlark.Thread
}

// run executes the request in this process. It is called from the sandbox
// child; tests may also call it directly.
func run(ctx context.Context, req *Request) *Response {
	limits := req.Limits.Merge(defaultLimits)

	// Defense in depth: the parent already vetted, but the child never
	// trusts that it did.
	bindingNames := make([]string, len(req.Bindings))
	for i, binding := range req.Bindings {
		bindingNames[i] = binding.Name
	}
	if violations := Vet(req.Code, req.Allow, bindingNames); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.String()
		}
		return &Response{
			Outcome: OutcomeSecurityViolation,
			Detail:  strings.Join(msgs, "; "),
		}
	}

	h := &host{scratch: req.Scratch, limits: limits}

	predeclared, err := h.buildPredeclared(req)
	if err != nil {
		return &Response{Outcome: OutcomeRuntimeError, Detail: err.Error()}
	}

	thread := &starlark.Thread{Name: "sandbox", Print: h.capturePrint}
	thread.SetMaxExecutionSteps(uint64(limits.MaxSteps))
	h.thread = thread

	if limits.WallClockMs > 0 {
		var cancelTimer context.CancelFunc
		ctx, cancelTimer = context.WithTimeout(ctx, time.Duration(limits.WallClockMs)*time.Millisecond)
		defer cancelTimer()
	}
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("wall clock exceeded")
		case <-watchdogDone:
		}
	}()

	opts := &syntax.FileOptions{Set: true}
	_, execErr := starlark.ExecFileOptions(opts, thread, "generated.star", []byte(req.Code), predeclared)

	resp := &Response{
		Stdout: h.stdout.String(),
		Steps:  thread.ExecutionSteps(),
	}

	switch {
	case execErr == nil:
		resp.Outcome = OutcomeSuccess
	case h.outputExceeded:
		resp.Outcome = OutcomeResourceExceeded
		resp.Detail = fmt.Sprintf("stdout exceeded %d bytes", limits.MaxOutputBytes)
	case strings.Contains(execErr.Error(), "too many steps"):
		resp.Outcome = OutcomeResourceExceeded
		resp.Detail = fmt.Sprintf("exceeded %d execution steps", limits.MaxSteps)
	case strings.Contains(execErr.Error(), "wall clock exceeded"):
		resp.Outcome = OutcomeTimeout
		resp.Detail = fmt.Sprintf("exceeded %d ms wall clock", limits.WallClockMs)
	default:
		var resolveErrs resolve.ErrorList
		if errors.As(execErr, &resolveErrs) {
			// A name that resolved against nothing is a name outside the
			// allow-list that slipped through vetting.
			resp.Outcome = OutcomeSecurityViolation
			resp.Detail = execErr.Error()
			break
		}
		resp.Outcome = OutcomeRuntimeError
		var evalErr *starlark.EvalError
		if errors.As(execErr, &evalErr) {
			resp.Stderr = evalErr.Backtrace()
			resp.Detail = evalErr.Error()
		} else {
			resp.Detail = execErr.Error()
		}
	}
	return resp
}

// buildPredeclared assembles the complete environment visible to the
// program: granted modules, decoded context bindings, the emit output
// channel, and poisoned stand-ins for the forbidden reflective builtins.
func (h *host) buildPredeclared(req *Request) (starlark.StringDict, error) {
	predeclared := make(starlark.StringDict)

	for name := range req.Allow.Modules {
		mod, ok := h.moduleFor(name)
		if !ok {
			return nil, fmt.Errorf("allow-list grants unknown module %q", name)
		}
		if req.Allow.Restricted[name] {
			// The vet catches direct disallowed calls, but an alias like
			// `t = text` would reach the full member set. Restricted modules
			// therefore carry only their permitted members.
			restricted, err := restrictModule(name, mod, req.Allow)
			if err != nil {
				return nil, err
			}
			mod = restricted
		}
		predeclared[name] = mod
	}
	for name := range forbiddenNames {
		predeclared[name] = poisonBuiltin(name)
	}
	predeclared["emit"] = h.emitBuiltin()

	for _, binding := range req.Bindings {
		value, err := decodeBinding(binding)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", binding.Name, err)
		}
		predeclared[binding.Name] = value
	}
	return predeclared, nil
}

// restrictModule returns a view of mod holding only the members the
// allow-list permits for it.
func restrictModule(name string, mod starlark.Value, allow *capability.AllowList) (starlark.Value, error) {
	attrs, ok := mod.(starlark.HasAttrs)
	if !ok {
		return nil, fmt.Errorf("module %q does not expose attributes", name)
	}
	members := make(starlark.StringDict)
	for _, attr := range attrs.AttrNames() {
		if !allow.CallAllowed(name, attr) {
			continue
		}
		value, err := attrs.Attr(attr)
		if err != nil {
			return nil, fmt.Errorf("module %q attr %q: %w", name, attr, err)
		}
		members[attr] = value
	}
	return &starlarkstruct.Module{Name: name, Members: members}, nil
}

func (h *host) capturePrint(thread *starlark.Thread, msg string) {
	if h.limits.MaxOutputBytes > 0 && int64(h.stdout.Len()+len(msg)+1) > h.limits.MaxOutputBytes {
		if !h.outputExceeded {
			h.outputExceeded = true
			thread.Cancel("output limit exceeded")
		}
		return
	}
	h.stdout.WriteString(msg)
	h.stdout.WriteByte('\n')
}

func (h *host) writeScratch(name string, content []byte) error {
	if err := validScratchName(name); err != nil {
		return err
	}
	if h.limits.MaxFileBytes > 0 && int64(len(content)) > h.limits.MaxFileBytes {
		return fmt.Errorf("output file %q exceeds %d bytes", name, h.limits.MaxFileBytes)
	}
	return os.WriteFile(filepath.Join(h.scratch, name), content, 0o644)
}

// decodeBinding converts serialized binding bytes into a starlark value.
func decodeBinding(binding Binding) (starlark.Value, error) {
	switch binding.Kind {
	case BindingText:
		return starlark.String(binding.Data), nil
	case BindingJSON:
		var value any
		if err := json.Unmarshal(binding.Data, &value); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return goToStarlark(value)
	case BindingTabular:
		return csvToTable(binding.Data)
	default:
		return nil, fmt.Errorf("unknown binding kind %q", binding.Kind)
	}
}

func goToStarlark(v any) (starlark.Value, error) {
	switch value := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(value), nil
	case float64:
		return starlark.Float(value), nil
	case string:
		return starlark.String(value), nil
	case []any:
		elems := make([]starlark.Value, len(value))
		for i, elem := range value {
			converted, err := goToStarlark(elem)
			if err != nil {
				return nil, err
			}
			elems[i] = converted
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(value))
		for key, elem := range value {
			converted, err := goToStarlark(elem)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// csvToTable parses CSV bytes into a dict of column name to value list.
// A column whose every cell parses as a number becomes a list of floats,
// otherwise a list of strings.
func csvToTable(data []byte) (starlark.Value, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty CSV")
	}

	header := records[0]
	rows := records[1:]

	table := starlark.NewDict(len(header))
	for col, name := range header {
		numeric := len(rows) > 0
		values := make([]float64, 0, len(rows))
		for _, row := range rows {
			f, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
			if err != nil {
				numeric = false
				break
			}
			values = append(values, f)
		}

		elems := make([]starlark.Value, len(rows))
		for i, row := range rows {
			if numeric {
				elems[i] = starlark.Float(values[i])
			} else {
				elems[i] = starlark.String(row[col])
			}
		}
		if err := table.SetKey(starlark.String(name), starlark.NewList(elems)); err != nil {
			return nil, err
		}
	}
	return table, nil
}
