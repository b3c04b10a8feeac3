package vasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voike/pkg/schema"
)

func TestAssemble(t *testing.T) {
	p, err := Assemble(`
; header comment
start:  LOAD_CONST r0, 0x10   # hex
        load_const r1, -2.5
        VOIKE_QUERY r2, "SELECT ';' AS \"semi\", '#'"
done:
        halt
`)
	require.NoError(t, err)
	assert.Equal(t, []Instruction{
		{Op: "LOAD_CONST", Args: []any{"r0", int64(16)}, Label: "start"},
		{Op: "LOAD_CONST", Args: []any{"r1", -2.5}},
		{Op: "VOIKE_QUERY", Args: []any{"r2", `SELECT ';' AS "semi", '#'`}},
		{Op: "HALT", Label: "done"},
	}, p.Instructions)
}

func TestAssemble_TabSeparatedOperands(t *testing.T) {
	p, err := Assemble("loop:\tLOAD_CONST\tr0,\t3\n\tDEC\tr0\n\tJIF r0,\tloop\n\tHALT\t; done")
	require.NoError(t, err)
	assert.Equal(t, []Instruction{
		{Op: "LOAD_CONST", Args: []any{"r0", int64(3)}, Label: "loop"},
		{Op: "DEC", Args: []any{"r0"}},
		{Op: "JIF", Args: []any{"r0", "loop"}},
		{Op: "HALT"},
	}, p.Instructions)
}

func TestAssemble_LabelsWithoutInstruction(t *testing.T) {
	p, err := Assemble("a:\nb:\n  INC r0\nend:")
	require.NoError(t, err)
	assert.Equal(t, []Instruction{
		{Op: "NOP", Label: "a"},
		{Op: "INC", Args: []any{"r0"}, Label: "b"},
		{Op: "NOP", Label: "end"},
	}, p.Instructions)

	labels, err := p.Labels()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "end": 2}, labels)
}

func TestAssemble_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unterminated string", `PRINT "oops`, "line 1: unterminated string"},
		{"empty operand", "ADD r0,, r1", "line 1: empty operand"},
		{"bad operand", "PUSH r0+1", `line 1: invalid operand "r0+1"`},
		{"duplicate label", "x: NOP\nx: NOP", `duplicate label "x"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Assemble("NOP\nPUSH $\nPOP %")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeParse))
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Len(t, fe.Details["errors"], 2)
}

func TestDisassemble_RoundTrip(t *testing.T) {
	src := `
    LOAD_CONST r0, 3
loop:
    VOIKE_AI_ASK r1, "summarize: \"q1\""
    VOIKE_RUN_JOB r2, nightly.build
    LOAD_CONST r3, 1.5
    PUSH r0
    DEC r0
    JIF r0, loop
    CALL 0
    NOP
`
	first, err := Assemble(src)
	require.NoError(t, err)

	text := Disassemble(&Program{Name: "demo", Instructions: first.Instructions})
	assert.Contains(t, text, "; demo\n")
	assert.Contains(t, text, "loop:\n    VOIKE_AI_ASK r1, \"summarize: \\\"q1\\\"\"\n")
	assert.Contains(t, text, "    VOIKE_RUN_JOB r2, nightly.build\n")

	second, err := Assemble(text)
	require.NoError(t, err)
	assert.Equal(t, first.Instructions, second.Instructions)
}

func TestInstructionString(t *testing.T) {
	assert.Equal(t, "HALT", Instruction{Op: "HALT"}.String())
	assert.Equal(t, `PRINT "true"`, Instruction{Op: "PRINT", Args: []any{"true"}}.String())
	assert.Equal(t, `X "a b", 2, true`, Instruction{Op: "X", Args: []any{"a b", 2.0, true}}.String())
}
