package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/voike/pkg/schema"
)

const programSchemaURL = "https://voike.dev/schemas/vasm-program.json"

// programSchemaJSON describes a VASM program document. Operands are scalars:
// numbers for constants and instruction indices, strings for registers,
// labels and literals.
const programSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://voike.dev/schemas/vasm-program.json",
  "type": "object",
  "required": ["instructions"],
  "properties": {
    "name": { "type": "string" },
    "instructions": {
      "type": "array",
      "items": { "$ref": "#/$defs/instruction" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "instruction": {
      "type": "object",
      "required": ["op"],
      "properties": {
        "op": {
          "type": "string",
          "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
        },
        "args": {
          "type": "array",
          "items": { "type": ["string", "number", "boolean"] }
        },
        "label": {
          "type": "string",
          "minLength": 1
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements Validator. The program schema is compiled
// once; ad-hoc input schemas are compiled on first use and cached.
type JSONSchemaValidator struct {
	programSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

var _ Validator = (*JSONSchemaValidator)(nil)

// NewJSONSchemaValidator compiles the program schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(programSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal program schema: %w", err)
	}
	if err := c.AddResource(programSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add program schema resource: %w", err)
	}
	compiled, err := c.Compile(programSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile program schema: %w", err)
	}
	return &JSONSchemaValidator{
		programSchema: compiled,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateProgram validates a decoded VASM document (the result of
// unmarshalling JSON or YAML into any).
func (v *JSONSchemaValidator) ValidateProgram(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "program document is empty")
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize program document").WithCause(err)
	}
	if err := v.programSchema.Validate(val); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInputs checks the inputs a run was given against the plan's
// declared input types. Absent inputs are not an error: LOAD TABLE may
// fall back to the table store.
func (v *JSONSchemaValidator) ValidateInputs(inputs map[string]any, decls []schema.InputDecl) error {
	if len(decls) == 0 || len(inputs) == 0 {
		return nil
	}
	raw, err := json.Marshal(InputsSchema(decls))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to build input schema").WithCause(err)
	}
	return v.ValidateInput(inputs, raw)
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// InputsSchema maps declared FLOW input types onto a JSON Schema object.
// Unknown types accept anything.
func InputsSchema(decls []schema.InputDecl) map[string]any {
	props := make(map[string]any, len(decls))
	for _, d := range decls {
		props[d.Name] = typeSchema(d.Type)
	}
	return map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
}

func typeSchema(t string) map[string]any {
	rows := map[string]any{"type": "array", "items": map[string]any{"type": "object"}}
	switch strings.ToLower(t) {
	case "csv":
		return map[string]any{"anyOf": []any{map[string]any{"type": "string"}, rows}}
	case "table":
		return map[string]any{"anyOf": []any{map[string]any{"type": "string"}, rows}}
	case "json":
		return map[string]any{"type": []any{"string", "object", "array"}}
	case "number":
		return map[string]any{"type": "number"}
	case "int", "integer":
		return map[string]any{"type": "integer"}
	case "string", "text":
		return map[string]any{"type": "string"}
	case "bool", "boolean":
		return map[string]any{"type": "boolean"}
	default:
		return map[string]any{}
	}
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("voike://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError flattens a jsonschema error tree into one VALIDATION_ERROR
// whose details list every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
