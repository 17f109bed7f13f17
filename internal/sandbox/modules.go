package sandbox

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// moduleFor returns the implementation of a named sandbox module. The host
// only predeclares modules the allow-list grants, so this table is the
// complete surface generated code can ever see.
func (h *host) moduleFor(name string) (starlark.Value, bool) {
	switch name {
	case "math":
		return starmath.Module, true
	case "json":
		return starjson.Module, true
	case "tab":
		return tabModule(), true
	case "text":
		return textModule(), true
	case "plot":
		return h.plotModule(), true
	}
	return nil, false
}

func numbersFrom(v starlark.Value) ([]float64, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("want a sequence of numbers, got %s", v.Type())
	}
	var nums []float64
	iter := iterable.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for iter.Next(&elem) {
		f, ok := starlark.AsFloat(elem)
		if !ok {
			return nil, fmt.Errorf("non-numeric element %s", elem.Type())
		}
		nums = append(nums, f)
	}
	return nums, nil
}

func statBuiltin(name string, fn func([]float64) (float64, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var values starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &values); err != nil {
			return nil, err
		}
		nums, err := numbersFrom(values)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		out, err := fn(nums)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.Float(out), nil
	})
}

func meanOf(nums []float64) (float64, error) {
	if len(nums) == 0 {
		return 0, fmt.Errorf("empty sequence")
	}
	var sum float64
	for _, n := range nums {
		sum += n
	}
	return sum / float64(len(nums)), nil
}

// tabModule is the "tab" surface: column access and descriptive statistics
// over tables bound as dicts of column lists.
func tabModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "tab",
		Members: starlark.StringDict{
			"col": starlark.NewBuiltin("col", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var table *starlark.Dict
				var name string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &table, &name); err != nil {
					return nil, err
				}
				value, found, err := table.Get(starlark.String(name))
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, fmt.Errorf("col: no column %q", name)
				}
				return value, nil
			}),
			"mean": statBuiltin("mean", meanOf),
			"sum": statBuiltin("sum", func(nums []float64) (float64, error) {
				var sum float64
				for _, n := range nums {
					sum += n
				}
				return sum, nil
			}),
			"min": statBuiltin("min", func(nums []float64) (float64, error) {
				if len(nums) == 0 {
					return 0, fmt.Errorf("empty sequence")
				}
				out := nums[0]
				for _, n := range nums[1:] {
					out = math.Min(out, n)
				}
				return out, nil
			}),
			"max": statBuiltin("max", func(nums []float64) (float64, error) {
				if len(nums) == 0 {
					return 0, fmt.Errorf("empty sequence")
				}
				out := nums[0]
				for _, n := range nums[1:] {
					out = math.Max(out, n)
				}
				return out, nil
			}),
			"median": statBuiltin("median", func(nums []float64) (float64, error) {
				if len(nums) == 0 {
					return 0, fmt.Errorf("empty sequence")
				}
				sorted := append([]float64(nil), nums...)
				sort.Float64s(sorted)
				mid := len(sorted) / 2
				if len(sorted)%2 == 1 {
					return sorted[mid], nil
				}
				return (sorted[mid-1] + sorted[mid]) / 2, nil
			}),
			"stddev": statBuiltin("stddev", func(nums []float64) (float64, error) {
				if len(nums) < 2 {
					return 0, fmt.Errorf("need at least two values")
				}
				mean, _ := meanOf(nums)
				var ss float64
				for _, n := range nums {
					ss += (n - mean) * (n - mean)
				}
				return math.Sqrt(ss / float64(len(nums)-1)), nil
			}),
			"count": starlark.NewBuiltin("count", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var values starlark.Value
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &values); err != nil {
					return nil, err
				}
				seq, ok := values.(starlark.Sequence)
				if !ok {
					return nil, fmt.Errorf("count: want a sequence, got %s", values.Type())
				}
				return starlark.MakeInt(seq.Len()), nil
			}),
		},
	}
}

// textModule is the "text" surface: simple corpus statistics.
func textModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "text",
		Members: starlark.StringDict{
			"tokens": starlark.NewBuiltin("tokens", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var s string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
					return nil, err
				}
				fields := strings.Fields(s)
				out := make([]starlark.Value, len(fields))
				for i, f := range fields {
					out[i] = starlark.String(f)
				}
				return starlark.NewList(out), nil
			}),
			"count": starlark.NewBuiltin("count", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var s, sub string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &s, &sub); err != nil {
					return nil, err
				}
				return starlark.MakeInt(strings.Count(s, sub)), nil
			}),
			"lines": starlark.NewBuiltin("lines", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var s string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
					return nil, err
				}
				split := strings.Split(strings.TrimRight(s, "\n"), "\n")
				out := make([]starlark.Value, len(split))
				for i, line := range split {
					out[i] = starlark.String(line)
				}
				return starlark.NewList(out), nil
			}),
			"unique": starlark.NewBuiltin("unique", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var values starlark.Iterable
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &values); err != nil {
					return nil, err
				}
				seen := make(map[string]bool)
				var out []starlark.Value
				iter := values.Iterate()
				defer iter.Done()
				var elem starlark.Value
				for iter.Next(&elem) {
					s, ok := starlark.AsString(elem)
					if !ok {
						s = elem.String()
					}
					if !seen[s] {
						seen[s] = true
						out = append(out, elem)
					}
				}
				return starlark.NewList(out), nil
			}),
		},
	}
}

// plotModule is the "plot" surface. Charts are rendered as standalone SVG
// files in the scratch directory, the sandbox's only writable location.
func (h *host) plotModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "plot",
		Members: starlark.StringDict{
			"bar": starlark.NewBuiltin("bar", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var name string
				var labels, values starlark.Value
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &name, &labels, &values); err != nil {
					return nil, err
				}
				nums, err := numbersFrom(values)
				if err != nil {
					return nil, fmt.Errorf("bar: %w", err)
				}
				labelList, err := stringsFrom(labels)
				if err != nil {
					return nil, fmt.Errorf("bar: %w", err)
				}
				if len(labelList) != len(nums) {
					return nil, fmt.Errorf("bar: %d labels for %d values", len(labelList), len(nums))
				}
				svg := renderBarSVG(labelList, nums)
				if err := h.writeScratch(name+".svg", []byte(svg)); err != nil {
					return nil, err
				}
				return starlark.None, nil
			}),
			"line": starlark.NewBuiltin("line", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var name string
				var values starlark.Value
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &name, &values); err != nil {
					return nil, err
				}
				nums, err := numbersFrom(values)
				if err != nil {
					return nil, fmt.Errorf("line: %w", err)
				}
				svg := renderLineSVG(nums)
				if err := h.writeScratch(name+".svg", []byte(svg)); err != nil {
					return nil, err
				}
				return starlark.None, nil
			}),
		},
	}
}

func stringsFrom(v starlark.Value) ([]string, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("want a sequence of strings, got %s", v.Type())
	}
	var out []string
	iter := iterable.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for iter.Next(&elem) {
		// Numeric labels are common when charting a key column; render them
		// the way the script would see them.
		switch v := elem.(type) {
		case starlark.String:
			out = append(out, string(v))
		case starlark.Int, starlark.Float:
			out = append(out, v.String())
		default:
			return nil, fmt.Errorf("non-string element %s", elem.Type())
		}
	}
	return out, nil
}

// emitBuiltin is the generic output channel: it writes a file into the
// scratch directory, from where committed outputs are harvested.
func (h *host) emitBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("emit", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, content string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &name, &content); err != nil {
			return nil, err
		}
		if err := h.writeScratch(name, []byte(content)); err != nil {
			return nil, err
		}
		return starlark.None, nil
	})
}

// poisonBuiltin shadows a forbidden universe builtin so that even code that
// slips past static vetting cannot reach it.
func poisonBuiltin(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return nil, fmt.Errorf("%s is not permitted in sandboxed code", name)
	})
}

// validScratchName rejects path traversal: one plain file name, no
// separators, no parent references.
func validScratchName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid output name %q", name)
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return fmt.Errorf("output name %q must be a plain file name", name)
	}
	return nil
}
