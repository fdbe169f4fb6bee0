package capability

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Schema is the declared shape of a structured response: a JSON Schema
// document resolved once for validation.
type Schema struct {
	Name     string
	Doc      *jsonschema.Schema
	resolved *jsonschema.Resolved
}

// NewSchema resolves doc. It fails on documents jsonschema cannot compile.
func NewSchema(name string, doc *jsonschema.Schema) (*Schema, error) {
	resolved, err := doc.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving %s schema: %w", name, err)
	}
	return &Schema{Name: name, Doc: doc, resolved: resolved}, nil
}

// MustSchema is NewSchema for package-level schemas.
func MustSchema(name string, doc *jsonschema.Schema) *Schema {
	s, err := NewSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks fields against the schema. Unknown keys are ignored and
// null members count as absent.
func (s *Schema) Validate(fields map[string]any) error {
	if s == nil {
		return nil
	}
	if fields == nil {
		return schemaErrorf("%s: no structured fields", s.Name)
	}
	if err := s.resolved.Validate(dropNulls(fields)); err != nil {
		return schemaErrorf("%s: %v", s.Name, err)
	}
	return nil
}

// String returns the JSON Schema document as indented text.
func (s *Schema) String() string {
	data, err := json.MarshalIndent(s.Doc, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// dropNulls copies v without null object members. Models often send
// "question": null for an optional field they chose not to fill.
func dropNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, member := range t {
			if member != nil {
				out[k] = dropNulls(member)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = dropNulls(item)
		}
		return out
	default:
		return v
	}
}
