package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/voike/internal/cache"
	"github.com/rendis/voike/pkg/schema"
)

const jqCodeCacheSize = 256

// GoJQEngine runs LOAD JSON selectors. Compiled code is kept in an LRU and
// environment access ($ENV, env) sees an empty environment.
type GoJQEngine struct {
	codes *cache.LRU[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	codes, _ := cache.NewLRU[*gojq.Code](jqCodeCacheSize)
	return &GoJQEngine{codes: codes}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression against data. See Select for how outputs fold.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Select(ctx, expression, data)
}

// Select runs selector against doc and folds the outputs: none is nil, one
// is returned as is, several become a []any.
func (e *GoJQEngine) Select(ctx context.Context, selector string, doc any) (any, error) {
	out, err := e.Query(ctx, selector, doc)
	if err != nil {
		return nil, err
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

// Query returns every output of expression. Go integers in input are
// widened to float64 first, the only number type jq knows.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}

	var out []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for {
		v, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, failed := v.(error); failed {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "selector %q: %v", expression, err).
				WithCause(err)
		}
		out = append(out, v)
	}
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	if code, ok := e.codes.Get(expression); ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid selector %q: %v", expression, err).
			WithCause(err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid selector %q: %v", expression, err).
			WithCause(err)
	}
	if _, err := e.codes.Set(expression, code); err != nil {
		return nil, err
	}
	return code, nil
}

func jqValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			m[k] = jqValue(item)
		}
		return m
	case []map[string]any:
		s := make([]any, len(x))
		for i, row := range x {
			s[i] = jqValue(row)
		}
		return s
	case []any:
		s := make([]any, len(x))
		for i, item := range x {
			s[i] = jqValue(item)
		}
		return s
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
