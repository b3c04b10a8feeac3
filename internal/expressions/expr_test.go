package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voike/pkg/schema"
)

func TestExpr_ComputedFields(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())
	row := map[string]any{"price": 2.5, "qty": 4.0, "name": "widget", "tags": []any{"a", "b"}}

	tests := []struct {
		expr string
		want any
	}{
		{"price * qty", 10.0},
		{"upper(name)", "WIDGET"},
		{`name + "-" + "x"`, "widget-x"},
		{"len(tags)", 2},
		{"price > 2 ? 'high' : 'low'", "high"},
		{"discount ?? 0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_ProgramsAreCachedAcrossRowTypes(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "v + 1", map[string]any{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = e.Evaluate(context.Background(), "v + 1", map[string]any{"v": 1.5})
	require.NoError(t, err)
	assert.Equal(t, 2.5, out)
	assert.Equal(t, 1, e.Compiled())

	out, err = e.Evaluate(context.Background(), "missing", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 2, e.Compiled())
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "price *", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), `invalid computed field "price *"`)
	assert.Zero(t, e.Compiled())

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.ErrorContains(t, err, "empty expr expression")

	_, err = e.Evaluate(context.Background(), "name.first", map[string]any{"name": 3})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}
