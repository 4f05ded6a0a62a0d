package generation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// OutputValidator holds one compiled JSON schema per template id.
type OutputValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewOutputValidator compiles every <templateId>.json file in dir. An empty
// dir yields a validator that accepts everything.
func NewOutputValidator(dir string) (*OutputValidator, error) {
	v := &OutputValidator{schemas: make(map[string]*jsonschema.Schema)}
	if dir == "" {
		return v, nil
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: list schemas: %v", ErrInvalidConfig, err)
	}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read schema %s: %v", ErrInvalidConfig, path, err)
		}
		templateID := strings.TrimSuffix(filepath.Base(path), ".json")
		if err := v.Add(templateID, string(raw)); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Add compiles schema for templateID, replacing any previous one.
func (v *OutputValidator) Add(templateID, schema string) error {
	compiled, err := jsonschema.CompileString("mem:///schemas/"+templateID+".json", schema)
	if err != nil {
		return fmt.Errorf("%w: compile schema for %s: %v", ErrInvalidConfig, templateID, err)
	}
	v.schemas[templateID] = compiled
	return nil
}

// Has reports whether templateID has a schema.
func (v *OutputValidator) Has(templateID string) bool {
	_, ok := v.schemas[templateID]
	return ok
}

// Validate checks output against the schema for templateID. Templates without
// a schema always pass.
func (v *OutputValidator) Validate(templateID string, output []byte) error {
	schema, ok := v.schemas[templateID]
	if !ok {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(output))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: output is not JSON: %v", ErrInvalidResponse, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
