// Package validation checks documents against JSON Schema Draft 2020-12:
// VASM program documents before they are loaded, and plan inputs against
// the types their INPUTS block declares.
package validation

import "github.com/rendis/voike/pkg/schema"

// Validator validates decoded documents. It is safe for concurrent use.
type Validator interface {
	ValidateProgram(doc any) error
	ValidateInputs(inputs map[string]any, decls []schema.InputDecl) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
