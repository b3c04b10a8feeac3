package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/voike/internal/cache"
	"github.com/rendis/voike/pkg/schema"
)

// exprProgramCacheSize bounds the compiled MAP field programs kept per engine.
const exprProgramCacheSize = 512

// ExprEngine evaluates MAP computed fields with expr-lang/expr. Programs are
// compiled without a typed environment, so rows whose fields change type
// between runs share one program. Compiled programs live in an LRU.
type ExprEngine struct {
	programs *cache.LRU[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	programs, _ := cache.NewLRU[*vm.Program](exprProgramCacheSize)
	return &ExprEngine{programs: programs}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the keys of row as variables. Unknown
// variables evaluate to nil.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, row map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = map[string]any{}
	}
	out, err := vm.Run(prg, row)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "computed field %q: %v", expression, err).
			WithCause(err)
	}
	return out, nil
}

// Compiled reports how many programs are cached.
func (e *ExprEngine) Compiled() int { return e.programs.Len() }

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if prg, ok := e.programs.Get(expression); ok {
		return prg, nil
	}
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid computed field %q: %v", expression, err).
			WithCause(err)
	}
	// Concurrent compiles of one expression are harmless; the last Set wins.
	if _, err := e.programs.Set(expression, prg); err != nil {
		return nil, err
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
