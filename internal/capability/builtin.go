package capability

// baseBuiltins is the universe surface every sandboxed program receives
// regardless of capabilities. Reflective primitives (getattr, hasattr, dir)
// are deliberately absent: they are escape vectors, and no registry entry
// can grant them.
var baseBuiltins = []string{
	"True", "False", "None",
	"abs", "all", "any", "bool", "dict", "enumerate", "fail", "float",
	"hash", "int", "len", "list", "max", "min", "print", "range",
	"repr", "reversed", "sorted", "str", "tuple", "zip",
}

// builtinEntries returns the capabilities shipped with the executor.
// Extending the surface means adding an entry, never patching the sandbox.
func builtinEntries() []Entry {
	return []Entry{
		{
			Name:    "tabular-math",
			Modules: []string{"tab", "math"},
			Limits: Limits{
				MaxSteps: 20_000_000,
			},
		},
		{
			Name:    "plotting",
			Modules: []string{"plot"},
			Limits: Limits{
				MaxFileBytes: 4 << 20,
			},
		},
		{
			Name:    "text-stats",
			Modules: []string{"text"},
			Calls:   []string{"text.tokens", "text.count", "text.lines", "text.unique"},
		},
		{
			Name:    "json",
			Modules: []string{"json"},
		},
	}
}
