package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voike/pkg/schema"
)

func mustParse(t *testing.T, src string) *schema.FlowAST {
	t.Helper()
	res := Parse(src, Options{})
	require.True(t, res.OK, "parse errors: %v", res.Errors)
	return res.AST
}

func TestParse_SingleLineSteps(t *testing.T) {
	ast := mustParse(t, `
STEP load = LOAD CSV FROM sales_csv
STEP big = FILTER load WHERE amount > 50
STEP out = OUTPUT big AS "big sales"
`)
	require.Len(t, ast.Steps, 3)

	assert.Equal(t, "load", ast.Steps[0].Name)
	assert.Equal(t, schema.KindLoadCSV, ast.Steps[0].Op)
	assert.Equal(t, schema.LoadCSVConfig{Input: "sales_csv"}, ast.Steps[0].Config)
	assert.Equal(t, 2, ast.Steps[0].StartLine)

	assert.Equal(t, schema.FilterConfig{
		Source:    "load",
		Condition: schema.Condition{Field: "amount", Op: ">", Value: 50.0},
	}, ast.Steps[1].Config)

	assert.Equal(t, schema.OutputConfig{Source: "big", Label: "big sales"}, ast.Steps[2].Config)
}

func TestParse_BlockForm(t *testing.T) {
	ast := mustParse(t, `FLOW "Regression Demo"

INPUTS
  table source_table
END INPUTS

STEP load =
  LOAD TABLE "source_table"

STEP filtered =
  FILTER load WHERE score::numeric > 95

STEP result =
  OUTPUT filtered AS "flow_output"

END FLOW
`)
	assert.Equal(t, "Regression Demo", ast.Title)
	require.Len(t, ast.Inputs, 1)
	assert.Equal(t, schema.InputDecl{Name: "source_table", Type: "table", Line: 4}, ast.Inputs[0])

	require.Len(t, ast.Steps, 3)
	assert.Equal(t, schema.LoadTableConfig{Table: "source_table"}, ast.Steps[0].Config)
	assert.Equal(t, []string{`LOAD TABLE "source_table"`}, ast.Steps[0].Body)

	cond := ast.Steps[1].Config.(schema.FilterConfig).Condition
	assert.Equal(t, "score", cond.Field)
	assert.Equal(t, 95.0, cond.Value)
	assert.Equal(t, schema.OutputConfig{Source: "filtered", Label: "flow_output"}, ast.Steps[2].Config)
}

func TestParse_OutputLabelDefaultsToStepName(t *testing.T) {
	ast := mustParse(t, "STEP a = LOAD CSV FROM x\nSTEP report = OUTPUT a")
	assert.Equal(t, schema.OutputConfig{Source: "a", Label: "report"}, ast.Steps[1].Config)
}

func TestParse_Operations(t *testing.T) {
	tests := []struct {
		name string
		op   string
		want schema.OpConfig
	}{
		{"load json", `LOAD JSON FROM doc SELECT ".items[]"`, schema.LoadJSONConfig{Input: "doc", Selector: ".items[]"}},
		{"load model", "LOAD MODEL churn", schema.LoadModelConfig{Model: "churn"}},
		{"filter string equality", `FILTER src WHERE region == "EU"`, schema.FilterConfig{
			Source: "src", Condition: schema.Condition{Field: "region", Op: "==", Value: "EU"}}},
		{"filter single equals", "FILTER src WHERE active = true", schema.FilterConfig{
			Source: "src", Condition: schema.Condition{Field: "active", Op: "==", Value: true}}},
		{"filter negative", "FILTER src WHERE delta >= -5", schema.FilterConfig{
			Source: "src", Condition: schema.Condition{Field: "delta", Op: ">=", Value: -5.0}}},
		{"filter compound", `FILTER src WHERE amount > 10 AND region == "EU"`, schema.FilterConfig{
			Source: "src", Condition: schema.Condition{Expression: `amount > 10 && region == "EU"`}}},
		{"map", "MAP src SET total = price * qty, label = upper(name)", schema.MapConfig{
			Source: "src", Fields: []schema.MapField{
				{Name: "total", Expression: "price * qty"},
				{Name: "label", Expression: "upper(name)"},
			}}},
		{"group", "GROUP src BY g AGG sum(v) AS total, count(*) AS n, avg(v)", schema.GroupAggConfig{
			Source: "src", GroupBy: "g", Aggregations: []schema.Aggregation{
				{Fn: "sum", Field: "v", Alias: "total"},
				{Fn: "count", Alias: "n"},
				{Fn: "avg", Field: "v", Alias: "avg_v"},
			}}},
		{"join same key", "JOIN orders WITH customers ON customer_id", schema.JoinConfig{
			Left: "orders", Right: "customers", LeftKey: "customer_id", RightKey: "customer_id"}},
		{"join two keys", "JOIN orders WITH customers ON customer_id = id", schema.JoinConfig{
			Left: "orders", Right: "customers", LeftKey: "customer_id", RightKey: "id"}},
		{"sort", "SORT src BY v DESC LIMIT 3", schema.SortConfig{Source: "src", Field: "v", Descending: true, Limit: 3}},
		{"take n from", "TAKE 2 FROM src", schema.TakeConfig{Source: "src", Count: 2}},
		{"take src n", "TAKE src 5", schema.TakeConfig{Source: "src", Count: 5}},
		{"infer", "INFER churn ON src", schema.InferConfig{Model: "churn", Source: "src"}},
		{"run job", "RUN JOB nightly WITH {rows: src}", schema.RunJobConfig{Job: "nightly", Payload: map[string]any{"rows": "src"}}},
		{"run agent", `RUN AGENT planner WITH {"question": "reasoning", "depth": 2}`, schema.RunAgentConfig{
			Agent: "planner", Payload: map[string]any{"question": "reasoning", "depth": 2.0}}},
		{"call", "CALL enrich WITH {rows: src}", schema.CallConfig{Target: "enrich", Payload: map[string]any{"rows": "src"}}},
		{"ask ai", `ASK AI "Summarize the data" WITH {data: src}`, schema.AskAIConfig{
			Prompt: "Summarize the data", Payload: map[string]any{"data": "src"}}},
		{"apx exec", "APX EXEC grid.submit WITH {job: src}", schema.APXExecConfig{
			Target: "grid.submit", Payload: map[string]any{"job": "src"}}},
		{"build vpkg", "BUILD VPKG FROM manifest", schema.BuildVPKGConfig{ManifestRef: "manifest"}},
		{"deploy", "DEPLOY SERVICE api FROM pkg", schema.DeployServiceConfig{ServiceName: "api", VPKGRef: "pkg"}},
		{"output text literal", `OUTPUT TEXT "done"`, schema.OutputTextConfig{Value: "done"}},
		{"output text ref", "OUTPUT TEXT summary", schema.OutputTextConfig{Value: "summary"}},
		{"store", "STORE src INTO archive", schema.StoreConfig{Source: "src", Table: "archive"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ast := mustParse(t, "INPUTS\n any doc\n any src\n any orders\n any customers\n any manifest\n any pkg\nEND INPUTS\nSTEP s = "+tt.op)
			assert.Equal(t, tt.want, ast.Steps[0].Config)
			assert.Equal(t, tt.want.Kind(), ast.Steps[0].Op)
		})
	}
}

func TestParse_MultiLinePayload(t *testing.T) {
	ast := mustParse(t, `STEP agent =
  RUN AGENT planner WITH {
    question: "What next?",
    context: [a, b]
  }
`)
	assert.Equal(t, schema.RunAgentConfig{
		Agent:   "planner",
		Payload: map[string]any{"question": "What next?", "context": []any{"a", "b"}},
	}, ast.Steps[0].Config)
}

func TestParse_Comments(t *testing.T) {
	ast := mustParse(t, `# leading comment
STEP a = LOAD CSV FROM x // trailing comment
STEP b = FILTER a WHERE name == "#1"`)
	require.Len(t, ast.Steps, 2)
	assert.Equal(t, "#1", ast.Steps[1].Config.(schema.FilterConfig).Condition.Value)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"empty", "", "flow declares no steps"},
		{"duplicate step", "STEP a = LOAD CSV FROM x\nSTEP a = LOAD CSV FROM y", `line 2: duplicate step name "a"`},
		{"missing equals", "STEP a LOAD CSV FROM x", "expected '=' after step name"},
		{"no operation", "STEP a =", `step "a" has no operation`},
		{"stray content", "LOAD CSV FROM x", "outside a STEP"},
		{"bad load", "STEP a = LOAD XML FROM x", "LOAD expects CSV, JSON, TABLE or MODEL"},
		{"unterminated string", `STEP a = OUTPUT TEXT "oops`, "unterminated string"},
		{"unclosed inputs", "INPUTS\n csv x\nSTEP a = LOAD CSV FROM x", "INPUTS block is not closed"},
		{"trailing tokens", "STEP a = TAKE 2 FROM x extra", `unexpected "extra"`},
		{"bad payload", "STEP a = RUN AGENT x WITH {a: [}", "invalid payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.src, Options{})
			assert.False(t, res.OK)
			assert.Nil(t, res.AST)
			require.NotEmpty(t, res.Errors)
			assert.Contains(t, strings.Join(res.Errors, "\n"), tt.want)
		})
	}
}

func TestParse_WarningsAndStrict(t *testing.T) {
	src := `FLOW "demo"
INPUTS
  csv used
  csv unused
END INPUTS
STEP a = LOAD CSV FROM used
STEP b = FROBNICATE a
STEP c = GROUP a BY g AGG median(v) AS m
`
	res := Parse(src, Options{})
	require.True(t, res.OK, "errors: %v", res.Errors)
	assert.Equal(t, schema.KindCustom, res.AST.Steps[1].Op)
	assert.Equal(t, schema.CustomConfig{Name: "FROBNICATE", Raw: "FROBNICATE a"}, res.AST.Steps[1].Config)

	joined := res.Warnings
	require.Len(t, joined, 4)
	assert.Contains(t, joined[0], "FLOW header without matching END FLOW")
	assert.Contains(t, joined[1], `unknown operation "FROBNICATE"`)
	assert.Contains(t, joined[2], `unsupported aggregation "median"`)
	assert.Contains(t, joined[3], `input "unused" is declared but never used`)

	strict := Parse(src, Options{Strict: true})
	assert.False(t, strict.OK)
	assert.Empty(t, strict.Warnings)
	assert.Len(t, strict.Errors, 4)
}

func TestParse_StepShadowingInputRejected(t *testing.T) {
	res := Parse("INPUTS\n csv x\nEND INPUTS\nSTEP x = LOAD CSV FROM x", Options{})
	assert.False(t, res.OK)
	assert.Contains(t, res.FirstError(), `step "x" shadows a declared input`)
}
