package metadata

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["title", "date", "correspondent", "document_type", "tags"],
  "properties": {
    "title":            {"type": "string", "minLength": 1},
    "date":             {"type": "string"},
    "correspondent":    {"type": "string"},
    "document_type":    {"type": "string"},
    "tags":             {"type": "array", "items": {"type": "string"}},
    "filename":         {"type": "string"},
    "language":         {"type": "string"},
    "reference_number": {"type": ["string", "number"]},
    "confidence_score": {"type": "number"}
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("metadata.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("metadata.json")
})

func validate(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}
