// Package expressions hosts the three expression languages a plan uses:
// CEL for FILTER predicates, expr for MAP computed fields and jq for LOAD
// JSON selectors, plus the run scope that resolves step references.
package expressions

import "context"

// Engine is the common evaluation surface of the expression languages.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
