package vasm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/rendis/voike/pkg/schema"
)

// Assemble parses VASM text:
//
//	; countdown
//	    LOAD_CONST r0, 3
//	loop:
//	    DEC r0
//	    JIF r0, loop
//	    PRINT r0       # prints 0
//
// A "name:" line labels the next instruction and may share the line with
// it. Operands are comma separated: integers and decimals become numbers,
// quoted strings are literals, anything else is a bare word (register or
// label). A label with nothing after it labels an implicit NOP.
func Assemble(src string) (*Program, error) {
	p := &Program{}
	var pending []string
	var errs []string

	emit := func(in Instruction) {
		if len(pending) > 0 {
			in.Label = pending[0]
			for _, extra := range pending[1:] {
				p.Instructions = append(p.Instructions, Instruction{Op: "NOP", Label: in.Label})
				in.Label = extra
			}
			pending = nil
		}
		p.Instructions = append(p.Instructions, in)
	}

	for i, raw := range strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(stripComment(raw))
		if line == "" {
			continue
		}

		if label, rest, ok := cutLabel(line); ok {
			pending = append(pending, label)
			line = rest
			if line == "" {
				continue
			}
		}

		op, operands := line, ""
		if idx := strings.IndexFunc(line, unicode.IsSpace); idx >= 0 {
			op, operands = line[:idx], line[idx:]
		}
		in := Instruction{Op: strings.ToUpper(op)}
		args, err := parseOperands(operands)
		if err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %s", i+1, err.Error()))
			continue
		}
		in.Args = args
		emit(in)
	}

	for _, l := range pending {
		p.Instructions = append(p.Instructions, Instruction{Op: "NOP", Label: l})
	}

	if len(errs) > 0 {
		return nil, schema.NewError(schema.ErrCodeParse, errs[0]).
			WithDetails(map[string]any{"errors": errs})
	}
	if _, err := p.Labels(); err != nil {
		return nil, err
	}
	return p, nil
}

// cutLabel splits "name: rest". The name must be a bare word.
func cutLabel(line string) (string, string, bool) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", false
	}
	name := line[:idx]
	if !isBareWord(name) {
		return "", "", false
	}
	return name, strings.TrimSpace(line[idx+1:]), true
}

func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case inQuote && c == '\\':
			i++
		case c == '"':
			inQuote = !inQuote
		case !inQuote && (c == ';' || c == '#'):
			return line[:i]
		}
	}
	return line
}

func parseOperands(s string) ([]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var (
		args    []any
		current strings.Builder
		inQuote bool
	)
	flush := func() error {
		tok := strings.TrimSpace(current.String())
		current.Reset()
		if tok == "" {
			return fmt.Errorf("empty operand")
		}
		v, err := parseOperand(tok)
		if err != nil {
			return err
		}
		args = append(args, v)
		return nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(s):
			current.WriteByte(c)
			i++
			current.WriteByte(s[i])
			continue
		case c == '"':
			inQuote = !inQuote
		case c == ',' && !inQuote:
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		current.WriteByte(c)
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated string in %q", s)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return args, nil
}

func parseOperand(tok string) (any, error) {
	if strings.HasPrefix(tok, `"`) {
		v, err := strconv.Unquote(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid string literal %s", tok)
		}
		return v, nil
	}
	if c := tok[0]; c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9') {
		if n, err := strconv.ParseInt(tok, 0, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return f, nil
		}
	}
	switch tok {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if !isBareWord(tok) {
		return nil, fmt.Errorf("invalid operand %q", tok)
	}
	return tok, nil
}

// Disassemble renders p in the syntax Assemble reads.
func Disassemble(p *Program) string {
	var b strings.Builder
	if p.Name != "" {
		fmt.Fprintf(&b, "; %s\n", p.Name)
	}
	for _, in := range p.Instructions {
		if in.Label != "" {
			fmt.Fprintf(&b, "%s:\n", in.Label)
		}
		fmt.Fprintf(&b, "    %s\n", in.String())
	}
	return b.String()
}
