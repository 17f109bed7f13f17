package capability

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed capability_schema.json
var registrySchema string

type registryFile struct {
	Capabilities []Entry `json:"capabilities"`
}

// LoadFile registers additional capabilities from a JSON file. The file is
// validated against the embedded schema before any entry is registered, so
// a malformed file never partially loads.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read capability file: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(registrySchema)
	docLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("validate capability file %s: %w", path, err)
	}
	if !result.Valid() {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("capability file %s is invalid:", path))
		for _, desc := range result.Errors() {
			sb.WriteString(fmt.Sprintf("\n  - %s: %s", desc.Field(), desc.Description()))
		}
		return fmt.Errorf("%s", sb.String())
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse capability file %s: %w", path, err)
	}

	for _, entry := range file.Capabilities {
		if err := r.Register(entry); err != nil {
			return fmt.Errorf("load capability file %s: %w", path, err)
		}
	}
	return nil
}
