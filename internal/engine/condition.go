package engine

import (
	"context"

	"github.com/rendis/voike/internal/expressions"
	"github.com/rendis/voike/pkg/schema"
)

// fieldValue reads a dot-separated field, returning undefined when absent.
func fieldValue(row map[string]any, field string) any {
	if v, ok := expressions.LookupField(row, field); ok {
		return v
	}
	return undefined{}
}

// evaluateCondition applies a simple comparison to row. Ordering operators
// compare numerically; NaN on either side is false.
func evaluateCondition(row map[string]any, cond schema.Condition) (bool, error) {
	left := fieldValue(row, cond.Field)
	right := cond.Value

	switch cond.Op {
	case ">":
		return toNumber(left) > toNumber(right), nil
	case ">=":
		return toNumber(left) >= toNumber(right), nil
	case "<":
		return toNumber(left) < toNumber(right), nil
	case "<=":
		return toNumber(left) <= toNumber(right), nil
	case "==":
		return normalizeValue(left) == normalizeValue(right), nil
	case "!=":
		return normalizeValue(left) != normalizeValue(right), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unsupported condition operator %q", cond.Op)
}

// matchRow evaluates either the simple comparison or the compound CEL
// expression of cond.
func (e *Executor) matchRow(ctx context.Context, row map[string]any, cond schema.Condition) (bool, error) {
	if cond.Expression != "" {
		return e.cel.EvaluateBool(ctx, cond.Expression, row)
	}
	return evaluateCondition(row, cond)
}
