package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voike/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func flowErr(t *testing.T, err error) *schema.FlowError {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	return fe
}

func violations(fe *schema.FlowError) string {
	vs, _ := fe.Details["violations"].([]string)
	return strings.Join(vs, "\n")
}

func TestValidateProgram_Valid(t *testing.T) {
	v := newValidator(t)
	doc := map[string]any{
		"name": "countdown",
		"instructions": []any{
			map[string]any{"op": "LOAD_CONST", "args": []any{"r0", 3.0}},
			map[string]any{"op": "DEC", "args": []any{"r0"}, "label": "loop"},
			map[string]any{"op": "JIF", "args": []any{"r0", "loop"}},
			map[string]any{"op": "HALT"},
		},
	}
	assert.NoError(t, v.ValidateProgram(doc))
	assert.NoError(t, v.ValidateProgram(map[string]any{"instructions": []any{}}))
}

func TestValidateProgram_Invalid(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name string
		doc  any
		want string
	}{
		{"missing instructions", map[string]any{"name": "x"}, "/"},
		{"missing op", map[string]any{"instructions": []any{map[string]any{"args": []any{"r0"}}}}, "/instructions/0"},
		{"bad opcode", map[string]any{"instructions": []any{map[string]any{"op": "LOAD CONST"}}}, "/instructions/0/op"},
		{"nested operand", map[string]any{"instructions": []any{map[string]any{"op": "PUSH", "args": []any{[]any{1}}}}}, "/instructions/0/args/0"},
		{"empty label", map[string]any{"instructions": []any{map[string]any{"op": "HALT", "label": ""}}}, "/instructions/0/label"},
		{"unknown field", map[string]any{"instructions": []any{}, "entry": 3}, "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := flowErr(t, v.ValidateProgram(tt.doc))
			assert.Contains(t, violations(fe), tt.want)
		})
	}

	fe := flowErr(t, v.ValidateProgram(nil))
	assert.Contains(t, fe.Message, "empty")
}

func TestValidateProgram_MultipleViolations(t *testing.T) {
	v := newValidator(t)
	doc := map[string]any{"instructions": []any{
		map[string]any{"args": []any{}},
		map[string]any{"op": 7},
	}}
	fe := flowErr(t, v.ValidateProgram(doc))
	assert.Contains(t, fe.Message, "validation failed with")
	assert.Contains(t, violations(fe), "/instructions/1/op")
}

func TestValidateInputs(t *testing.T) {
	v := newValidator(t)
	decls := []schema.InputDecl{
		{Name: "sales", Type: "csv"},
		{Name: "limit", Type: "number"},
		{Name: "doc", Type: "json"},
		{Name: "misc", Type: "any"},
	}

	assert.NoError(t, v.ValidateInputs(map[string]any{
		"sales": "a,b\n1,2",
		"limit": 3,
		"doc":   map[string]any{"k": "v"},
		"misc":  []any{1, "x"},
	}, decls))
	assert.NoError(t, v.ValidateInputs(map[string]any{"sales": []map[string]any{{"a": 1}}}, decls))
	assert.NoError(t, v.ValidateInputs(nil, decls))
	assert.NoError(t, v.ValidateInputs(map[string]any{"anything": 1}, nil))

	fe := flowErr(t, v.ValidateInputs(map[string]any{"limit": "ten"}, decls))
	assert.Contains(t, violations(fe), "/limit")

	fe = flowErr(t, v.ValidateInputs(map[string]any{"sales": 42}, decls))
	assert.Contains(t, violations(fe), "/sales")
}

func TestValidateInput_SchemaCache(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type":"object","required":["id"],"properties":{"id":{"type":"integer"}}}`)

	require.NoError(t, v.ValidateInput(map[string]any{"id": 1}, s))
	fe := flowErr(t, v.ValidateInput(map[string]any{}, s))
	assert.Contains(t, violations(fe), "/")
	assert.Len(t, v.cache, 1)

	fe = flowErr(t, v.ValidateInput(map[string]any{}, []byte(`{not json`)))
	assert.Contains(t, fe.Message, "invalid input schema")

	assert.NoError(t, v.ValidateInput(map[string]any{"x": 1}, nil))
}

func TestInputsSchema(t *testing.T) {
	s := InputsSchema([]schema.InputDecl{{Name: "n", Type: "Integer"}, {Name: "x", Type: "blob"}})
	props := s["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "integer"}, props["n"])
	assert.Equal(t, map[string]any{}, props["x"])
}
