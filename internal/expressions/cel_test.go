package expressions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voike/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_RowPredicates(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	row := map[string]any{"amount": 120.0, "region": "EU", "qty": 3, "active": true}

	tests := []struct {
		expr string
		want bool
	}{
		{`amount > 100`, true},
		{`amount > 100.5 && region == "EU"`, true},
		{`amount < 10 || region == "US"`, false},
		{`!(region == "US")`, true},
		{`qty == 3`, true},
		{`qty * 2 > 5`, true},
		{`active`, true},
		{`row.region == "EU"`, true},
		{`region.startsWith("E")`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.EvaluateBool(context.Background(), tt.expr, row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_DifferentFieldSetsCompileSeparately(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `score > 1`, map[string]any{"score": 2.0})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `score > 1`, map[string]any{"score": 0.5, "extra": "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_UndeclaredFieldIsCompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `missing > 1`, map[string]any{"amount": 1.0})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "CEL compile error")
}

func TestCEL_NonBooleanCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `name`, map[string]any{"name": "x"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeType))
}

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty CEL expression")
}

func TestCEL_ConcurrentEvaluation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.EvaluateBool(context.Background(), `n >= 0`, map[string]any{"n": n})
			assert.NoError(t, err)
			assert.True(t, out)
		}(i)
	}
	wg.Wait()
}

func TestCEL_ProgramCacheIsBounded(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()
	row := map[string]any{"n": 5.0}

	for i := 0; i < celProgramCacheSize+20; i++ {
		_, err := e.EvaluateBool(ctx, fmt.Sprintf("n > %d.0", i), row)
		require.NoError(t, err)
	}
	assert.Equal(t, celProgramCacheSize, e.Compiled())

	ok, err := e.EvaluateBool(ctx, "n > 0.0", row)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.EvaluateBool(ctx, "n > 1.0", map[string]any{"n": 5.0, "m": 1.0})
	require.NoError(t, err)
	assert.Equal(t, celProgramCacheSize, e.Compiled())
}
