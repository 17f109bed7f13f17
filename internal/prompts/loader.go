// Package prompts embeds the LLM prompt templates used by the built-in
// pipeline graphs. Each JSON file maps a template name to its text.
// Placeholders use the {{name}} form the pipeline interpolates with stage
// inputs at run time.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"
)

//go:embed *.json
var files embed.FS

var (
	mu     sync.Mutex
	parsed = make(map[string]map[string]string)
)

// Get returns the template stored under name in the given embedded file.
func Get(file, name string) (string, error) {
	templates, err := load(file)
	if err != nil {
		return "", err
	}
	tmpl, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("prompt %q not found in %s", name, file)
	}
	return tmpl, nil
}

// MustGet is Get for templates a graph cannot be assembled without.
func MustGet(file, name string) string {
	tmpl, err := Get(file, name)
	if err != nil {
		panic(err)
	}
	return tmpl
}

func load(file string) (map[string]string, error) {
	mu.Lock()
	defer mu.Unlock()
	if templates, ok := parsed[file]; ok {
		return templates, nil
	}
	data, err := files.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", file, err)
	}
	var templates map[string]string
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parse prompt file %s: %w", file, err)
	}
	parsed[file] = templates
	return templates, nil
}
