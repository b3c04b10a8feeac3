package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voike/internal/engine"
	"github.com/rendis/voike/internal/parser"
	"github.com/rendis/voike/internal/store"
	"github.com/rendis/voike/pkg/schema"
)

const salesFlow = `FLOW "Sales"
INPUTS
  csv sales_csv
END INPUTS
STEP load = LOAD CSV FROM sales_csv
STEP big = FILTER load WHERE amount > 50
STEP ranked = SORT load BY amount DESC
STEP out = OUTPUT big AS "big sales"
END FLOW
`

func buildPlan(t *testing.T, src string) *schema.Plan {
	t.Helper()
	res := parser.Parse(src, parser.Options{})
	require.True(t, res.OK, "parse errors: %v", res.Errors)
	plan, err := engine.BuildPlan(res.AST, "proj")
	require.NoError(t, err)
	return plan
}

func edgeSet(edges []Edge) map[string]string {
	out := make(map[string]string, len(edges))
	for _, e := range edges {
		out[e.From+"->"+e.To] = e.Label
	}
	return out
}

func TestBuild_Topology(t *testing.T) {
	model, err := Build(buildPlan(t, salesFlow), nil)
	require.NoError(t, err)

	assert.Equal(t, "Sales", model.Title)
	require.Len(t, model.Nodes, 7)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindInput, model.Nodes[1].Kind)
	assert.Equal(t, "sales_csv\n(csv)", model.Nodes[1].Label)
	assert.Equal(t, NodeKindLoad, model.Nodes[2].Kind)
	assert.Equal(t, "load\n(LOAD_CSV@1.0)", model.Nodes[2].Label)
	assert.Equal(t, NodeKindTransform, model.Nodes[3].Kind)
	assert.Equal(t, NodeKindOutput, model.Nodes[5].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[6].Kind)

	edges := edgeSet(model.Edges)
	assert.Contains(t, edges, "__start__->input:sales_csv")
	assert.Equal(t, "sales_csv", edges["input:sales_csv->step:load"])
	assert.NotContains(t, edges, "__start__->step:load")
	assert.Equal(t, "load", edges["step:load->step:big"])
	assert.Equal(t, "load", edges["step:load->step:ranked"])
	assert.Equal(t, "big", edges["step:big->step:out"])
	assert.Contains(t, edges, "step:ranked->__end__")
	assert.Contains(t, edges, "step:out->__end__")
	assert.NotContains(t, edges, "step:big->__end__")

	assert.Equal(t, [][]string{
		{"__start__"},
		{"input:sales_csv"},
		{"step:load"},
		{"step:big", "step:ranked"},
		{"step:out"},
		{"__end__"},
	}, model.Levels)
}

func TestBuild_StatusOverlay(t *testing.T) {
	states := []*store.StepState{
		{Step: "load", Status: store.StepCompleted, DurationMs: 12},
		{Step: "big", Status: store.StepFailed, Error: []byte(`"bad row"`)},
	}
	model, err := Build(buildPlan(t, salesFlow), states)
	require.NoError(t, err)

	load := findNode(model.Nodes, "step:load")
	require.NotNil(t, load.Status)
	assert.Equal(t, "completed", load.Status.Status)
	assert.Equal(t, int64(12), load.Status.DurationMs)

	big := findNode(model.Nodes, "step:big")
	require.NotNil(t, big.Status)
	assert.Equal(t, `"bad row"`, big.Status.Error)

	assert.Nil(t, findNode(model.Nodes, "step:out").Status)
}

func TestBuild_NilPlan(t *testing.T) {
	_, err := Build(nil, nil)
	assert.Error(t, err)
}

func TestOpKind(t *testing.T) {
	tests := []struct {
		cfg  schema.OpConfig
		want NodeKind
	}{
		{schema.LoadTableConfig{Table: "t"}, NodeKindLoad},
		{schema.JoinConfig{}, NodeKindTransform},
		{schema.InferConfig{}, NodeKindModel},
		{schema.AskAIConfig{}, NodeKindExternal},
		{schema.StoreConfig{}, NodeKindOutput},
		{schema.CustomConfig{Name: "X"}, NodeKindCustom},
		{nil, NodeKindCustom},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, opKind(tt.cfg))
	}
}
