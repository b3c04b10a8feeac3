package expressions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rendis/voike/internal/cache"
	"github.com/rendis/voike/pkg/schema"
)

// celProgramCacheSize bounds the compiled FILTER programs kept per engine.
const celProgramCacheSize = 512

// CELEngine implements the Engine interface using Google's Common Expression Language.
// It evaluates compound FILTER predicates against a single row: every row field
// is a top-level variable and the whole row is also bound to "row".
// Thread-safe: compiled programs are cached per expression and field set in
// an LRU.
type CELEngine struct {
	base     *cel.Env
	programs *cache.LRU[cel.Program]
}

// NewCELEngine creates a new CEL expression engine.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	programs, err := cache.NewLRU[cel.Program](celProgramCacheSize)
	if err != nil {
		return nil, err
	}
	return &CELEngine{base: env, programs: programs}, nil
}

// Compiled reports how many programs are cached.
func (e *CELEngine) Compiled() int { return e.programs.Len() }

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// with the keys of data bound as variables.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	vars := variableNames(data)
	prg, err := e.getOrCompile(expression, vars)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(data)+1)
	for k, v := range data {
		activation[k] = celValue(v)
	}
	activation["row"] = celValue(data)

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool evaluates a predicate and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeType,
			"CEL condition %q returned %T, expected bool", expression, out)
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string, vars []string) (cel.Program, error) {
	key := expression + "\x00" + strings.Join(vars, ",")

	if prg, ok := e.programs.Get(key); ok {
		return prg, nil
	}

	opts := make([]cel.EnvOption, 0, len(vars))
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	env, err := e.base.Extend(opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL environment error for %q: %s", expression, err.Error()).WithCause(err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	if _, err := e.programs.Set(key, prg); err != nil {
		return nil, err
	}
	return prg, nil
}

// variableNames returns the sorted keys of data usable as CEL identifiers.
func variableNames(data map[string]any) []string {
	names := make([]string, 0, len(data))
	for k := range data {
		if k == "row" || !isCELIdent(k) {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func isCELIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// celValue widens Go ints to int64, the only integer type CEL accepts.
func celValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = celValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = celValue(item)
		}
		return out
	case int:
		return int64(val)
	default:
		return v
	}
}

var _ Engine = (*CELEngine)(nil)
