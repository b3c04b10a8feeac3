package vasm

import (
	"fmt"
	"strings"

	"github.com/rendis/voike/pkg/schema"
)

type operandKind int

const (
	operandReg operandKind = iota
	operandConst
	operandTarget
	operandAny
)

// signatures lists operand kinds per opcode. NOT's second operand is
// optional in practice but validated when present.
var signatures = map[string][]operandKind{
	"NOP":        {},
	"HALT":       {},
	"RET":        {},
	"LOAD_CONST": {operandReg, operandConst},
	"MOV":        {operandReg, operandReg},
	"PUSH":       {operandReg},
	"POP":        {operandReg},
	"ADD":        {operandReg, operandReg, operandReg},
	"SUB":        {operandReg, operandReg, operandReg},
	"MUL":        {operandReg, operandReg, operandReg},
	"DIV":        {operandReg, operandReg, operandReg},
	"MOD":        {operandReg, operandReg, operandReg},
	"CMPLT":      {operandReg, operandReg, operandReg},
	"CMPLE":      {operandReg, operandReg, operandReg},
	"CMPEQ":      {operandReg, operandReg, operandReg},
	"CMPNE":      {operandReg, operandReg, operandReg},
	"AND":        {operandReg, operandReg, operandReg},
	"OR":         {operandReg, operandReg, operandReg},
	"NOT":        {operandReg, operandReg},
	"INC":        {operandReg},
	"DEC":        {operandReg},
	"JMP":        {operandTarget},
	"JIF":        {operandReg, operandTarget},
	"CALL":       {operandTarget},

	"PRINT":          {operandReg},
	"NOW":            {operandReg},
	"VOIKE_QUERY":    {operandReg, operandAny},
	"VOIKE_BLOB":     {operandReg, operandAny},
	"VOIKE_GRID_JOB": {operandReg, operandAny},
	"VOIKE_AI_ASK":   {operandReg, operandAny},
	"VOIKE_RUN_JOB":  {operandReg, operandAny},
}

// Lint checks p without running it. Problems the VM would hit at run time
// (bad registers, unknown labels, wrong operand counts, duplicate labels)
// are errors. Opcodes with no built-in handler are warnings unless listed
// in extra, since overrides may supply them.
func Lint(p *Program, extra ...string) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	if p == nil {
		res.Errorf("program", schema.ErrCodeValidation, "program is nil")
		return res
	}

	custom := make(map[string]bool, len(extra))
	for _, op := range extra {
		custom[strings.ToUpper(op)] = true
	}

	labels := make(map[string]int)
	for i, in := range p.Instructions {
		if in.Label == "" {
			continue
		}
		if prev, dup := labels[in.Label]; dup {
			res.Errorf(fmt.Sprintf("instructions[%d].label", i), schema.ErrCodeValidation,
				"duplicate label %q (first at instruction %d)", in.Label, prev)
			continue
		}
		labels[in.Label] = i
	}

	for i, in := range p.Instructions {
		path := fmt.Sprintf("instructions[%d]", i)
		op := strings.ToUpper(in.Op)
		if custom[op] {
			continue
		}
		sig, known := signatures[op]
		if !known {
			res.Warnf(path+".op", schema.ErrCodeUnsupported, "no built-in handler for opcode %s", in.Op)
			continue
		}
		lintOperands(in, sig, path, labels, len(p.Instructions), res)
	}
	return res
}

func lintOperands(in Instruction, sig []operandKind, path string, labels map[string]int, n int, res *schema.ValidationResult) {
	if len(in.Args) < len(sig) {
		res.Errorf(path+".args", schema.ErrCodeValidation,
			"%s expects %d operands, got %d", in.Op, len(sig), len(in.Args))
		return
	}
	if len(in.Args) > len(sig) {
		res.Warnf(path+".args", schema.ErrCodeValidation,
			"%s ignores %d extra operands", in.Op, len(in.Args)-len(sig))
	}

	for j, kind := range sig {
		arg := in.Args[j]
		argPath := fmt.Sprintf("%s.args[%d]", path, j)
		switch kind {
		case operandReg:
			if _, ok := registerIndex(arg); !ok {
				res.Errorf(argPath, schema.ErrCodeValidation, "Unknown register: %v", arg)
			}
		case operandConst:
			if _, ok := toInt64(arg); !ok || arg == nil {
				res.Errorf(argPath, schema.ErrCodeType, "constant %v is not numeric", arg)
			}
		case operandTarget:
			lintTarget(arg, argPath, labels, n, res)
		}
	}
}

func lintTarget(arg any, path string, labels map[string]int, n int, res *schema.ValidationResult) {
	if isRegisterName(arg) {
		if _, ok := registerIndex(arg); !ok {
			res.Errorf(path, schema.ErrCodeValidation, "Unknown register: %v", arg)
		}
		return
	}
	if idx, ok := toInt64(arg); ok && arg != nil {
		if idx < 0 || idx > int64(n) {
			res.Errorf(path, schema.ErrCodeValidation, "Jump target out of range: %d", idx)
		}
		return
	}
	name, _ := arg.(string)
	if _, ok := labels[name]; !ok {
		res.Errorf(path, schema.ErrCodeValidation, "Unknown label: %v", arg)
	}
}
