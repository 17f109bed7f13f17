// Package capability provides the declarative whitelist mapping named
// capabilities to the module and call surface generated code may use.
package capability

import (
	"fmt"
	"sort"
	"sync"
)

// Limits caps resource consumption for sandboxed execution. A zero field
// means "inherit the executor default".
type Limits struct {
	MaxSteps       int64 `json:"max_steps,omitempty"`        // interpreter step ceiling (CPU proxy)
	WallClockMs    int64 `json:"wall_clock_ms,omitempty"`    // hard wall-clock ceiling
	MaxMemoryBytes int64 `json:"max_memory_bytes,omitempty"` // sandbox process memory ceiling
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"` // captured stdout+stderr ceiling
	MaxFileBytes   int64 `json:"max_file_bytes,omitempty"`   // per produced scratch file ceiling
}

// Merge returns l with zero fields filled from fallback. Overrides are
// trusted registry configuration, so a non-zero override wins even when it
// is looser than the fallback.
func (l Limits) Merge(fallback Limits) Limits {
	out := l
	if out.MaxSteps == 0 {
		out.MaxSteps = fallback.MaxSteps
	}
	if out.WallClockMs == 0 {
		out.WallClockMs = fallback.WallClockMs
	}
	if out.MaxMemoryBytes == 0 {
		out.MaxMemoryBytes = fallback.MaxMemoryBytes
	}
	if out.MaxOutputBytes == 0 {
		out.MaxOutputBytes = fallback.MaxOutputBytes
	}
	if out.MaxFileBytes == 0 {
		out.MaxFileBytes = fallback.MaxFileBytes
	}
	return out
}

// Entry maps a capability name to a concrete allow-list fragment. Entries
// are registry configuration; generated code can never mutate them.
type Entry struct {
	Name     string   `json:"name"`
	Modules  []string `json:"modules"`            // predeclared sandbox modules made visible
	Builtins []string `json:"builtins,omitempty"` // extra universe builtins beyond the safe base set
	Calls    []string `json:"calls,omitempty"`    // dotted calls permitted; empty = whole module surface
	Limits   Limits   `json:"limits,omitempty"`   // resource budget override
}

// AllowList is the resolved union of one or more capability entries: the
// complete surface a single piece of generated code may touch.
type AllowList struct {
	Modules  map[string]bool `json:"modules"`
	Builtins map[string]bool `json:"builtins"`
	// Restricted marks modules whose call surface is limited to Calls; a
	// visible module not in Restricted grants its whole surface.
	Restricted map[string]bool `json:"restricted,omitempty"`
	Calls      map[string]bool `json:"calls,omitempty"`
	Limits     Limits          `json:"limits"`
}

// ModuleAllowed reports whether a predeclared module is visible.
func (a *AllowList) ModuleAllowed(name string) bool {
	return a.Modules[name]
}

// CallAllowed reports whether a dotted call like "tab.mean" is permitted.
func (a *AllowList) CallAllowed(module, attr string) bool {
	if !a.Modules[module] {
		return false
	}
	if !a.Restricted[module] {
		return true
	}
	return a.Calls[module+"."+attr]
}

// Registry is the set of known capabilities. Loaded once per orchestrator
// lifetime; reads after load need no locking, Register takes the write lock
// for the load phase.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns a registry pre-populated with the built-in
// capabilities.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]Entry)}
	for _, entry := range builtinEntries() {
		// Built-in names are distinct; Register cannot fail here.
		_ = r.Register(entry)
	}
	return r
}

// Register adds a capability entry. Registering an already-known name is an
// error: entries are declarative configuration, not runtime-mutable state.
func (r *Registry) Register(entry Entry) error {
	if entry.Name == "" {
		return fmt.Errorf("capability entry has empty name")
	}
	if len(entry.Modules) == 0 && len(entry.Builtins) == 0 {
		return fmt.Errorf("capability %q grants nothing", entry.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[entry.Name]; exists {
		return fmt.Errorf("capability %q already registered", entry.Name)
	}
	r.entries[entry.Name] = entry
	return nil
}

// Names returns all registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a capability entry by name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Resolve unions the named capabilities into one allow-list. It fails
// closed: an unknown name is an error, never an implicit allow-all.
func (r *Registry) Resolve(names []string) (*AllowList, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no capabilities requested")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	allow := &AllowList{
		Modules:  make(map[string]bool),
		Builtins: make(map[string]bool),
	}
	for _, b := range baseBuiltins {
		allow.Builtins[b] = true
	}

	// Call restrictions only survive the union if every entry touching a
	// module restricts it; one unrestricted grant opens the module surface.
	restricted := make(map[string][]string)
	unrestricted := make(map[string]bool)

	for _, name := range names {
		entry, ok := r.entries[name]
		if !ok {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		for _, mod := range entry.Modules {
			allow.Modules[mod] = true
			if len(entry.Calls) == 0 {
				unrestricted[mod] = true
			}
		}
		for _, b := range entry.Builtins {
			allow.Builtins[b] = true
		}
		for _, call := range entry.Calls {
			mod, _, ok := splitCall(call)
			if !ok {
				return nil, fmt.Errorf("capability %q: malformed call %q", name, call)
			}
			restricted[mod] = append(restricted[mod], call)
		}
		allow.Limits = entry.Limits.Merge(allow.Limits)
	}

	for mod, calls := range restricted {
		if unrestricted[mod] {
			continue
		}
		if allow.Calls == nil {
			allow.Calls = make(map[string]bool)
			allow.Restricted = make(map[string]bool)
		}
		allow.Restricted[mod] = true
		for _, call := range calls {
			allow.Calls[call] = true
		}
	}

	return allow, nil
}

func splitCall(call string) (module, attr string, ok bool) {
	for i := 0; i < len(call); i++ {
		if call[i] == '.' {
			if i == 0 || i == len(call)-1 {
				return "", "", false
			}
			return call[:i], call[i+1:], true
		}
	}
	return "", "", false
}
