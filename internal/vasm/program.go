// Package vasm implements VASM, a small register machine: eight int64
// registers, one operand stack shared with CALL/RET, labels resolved at
// load time, and a syscall table for everything the core does not handle.
package vasm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/voike/pkg/schema"
)

// NumRegisters is the number of general-purpose registers, r0..r7.
const NumRegisters = 8

// Program is a flat instruction list.
type Program struct {
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	Instructions []Instruction `json:"instructions" yaml:"instructions"`
}

// Instruction is one opcode with its operands. Operands are scalars:
// numbers for constants and instruction indices, strings for register
// names, labels and literals.
type Instruction struct {
	Op    string `json:"op" yaml:"op"`
	Args  []any  `json:"args,omitempty" yaml:"args,omitempty"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

func (in Instruction) String() string {
	if len(in.Args) == 0 {
		return in.Op
	}
	parts := make([]string, len(in.Args))
	for i, a := range in.Args {
		parts[i] = formatOperand(a)
	}
	return in.Op + " " + strings.Join(parts, ", ")
}

// Labels builds the label table. Duplicate labels are rejected.
func (p *Program) Labels() (map[string]int, error) {
	labels := make(map[string]int)
	for i, in := range p.Instructions {
		if in.Label == "" {
			continue
		}
		if prev, dup := labels[in.Label]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate label %q at instructions %d and %d", in.Label, prev, i)
		}
		labels[in.Label] = i
	}
	return labels, nil
}

// registerIndex parses "r0".."r7" (case-insensitive).
func registerIndex(arg any) (int, bool) {
	s, ok := arg.(string)
	if !ok || len(s) < 2 || (s[0] != 'r' && s[0] != 'R') {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n >= NumRegisters {
		return 0, false
	}
	return n, true
}

// isRegisterName reports whether arg looks like a register reference,
// in range or not.
func isRegisterName(arg any) bool {
	s, ok := arg.(string)
	if !ok || len(s) < 2 || (s[0] != 'r' && s[0] != 'R') {
		return false
	}
	_, err := strconv.Atoi(s[1:])
	return err == nil
}

// toInt64 converts a numeric operand or host value. Floats truncate
// toward zero, booleans map to 0/1 and nil to 0.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		if err == nil {
			return i, true
		}
		if f, ok := v.(interface{ Float64() (float64, error) }); ok {
			if x, err := f.Float64(); err == nil {
				return int64(x), true
			}
		}
	}
	return 0, false
}

func formatOperand(a any) string {
	switch v := a.(type) {
	case string:
		if isBareWord(v) {
			return v
		}
		return strconv.Quote(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// isBareWord reports whether s can be written without quotes: an
// identifier that the assembler reads back as the same string.
func isBareWord(s string) bool {
	if s == "" || s == "true" || s == "false" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
