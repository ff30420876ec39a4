package driver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON schema used for structured-output validation.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// CompileSchema compiles a raw JSON schema document.
func CompileSchema(raw []byte) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing schema document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Schema{raw: json.RawMessage(raw), compiled: compiled}, nil
}

// Raw returns the original schema document, for inclusion in prompts or
// provider response_format fields.
func (s *Schema) Raw() json.RawMessage {
	return s.raw
}

// DecodeAndValidate parses content as JSON and validates it. Both parse and
// validation failures come back as a SchemaValidationError.
func (s *Schema) DecodeAndValidate(content string) (any, error) {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
	if err != nil {
		return nil, &SchemaValidationError{Detail: "response is not valid JSON", Err: err}
	}
	if err := s.compiled.Validate(value); err != nil {
		return nil, &SchemaValidationError{Detail: err.Error(), Err: err}
	}
	return value, nil
}
