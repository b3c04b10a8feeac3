// Package parser turns FLOW source text into a schema.FlowAST.
//
// FLOW is line oriented: an optional FLOW header, an optional INPUTS block,
// then STEP declarations whose operation may continue on following lines.
// The parser never fails fast; it collects every error and warning so callers
// can report them together.
package parser

import (
	"fmt"
	"strings"

	"github.com/rendis/voike/pkg/schema"
)

// Options controls parsing.
type Options struct {
	// Strict promotes every warning to an error.
	Strict bool
}

// ParseResult is the outcome of Parse. AST is nil when OK is false.
type ParseResult struct {
	OK       bool            `json:"ok"`
	AST      *schema.FlowAST `json:"ast,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// FirstError returns the first error message, or "" when parsing succeeded.
func (r *ParseResult) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0]
}

type sourceLine struct {
	num  int
	text string
}

type parser struct {
	opts     Options
	ast      *schema.FlowAST
	errors   []string
	warnings []string

	stepIndex map[string]int
	inputSet  map[string]bool
}

// Parse parses FLOW source.
func Parse(source string, opts Options) *ParseResult {
	p := &parser{
		opts:      opts,
		ast:       &schema.FlowAST{},
		stepIndex: make(map[string]int),
		inputSet:  make(map[string]bool),
	}
	p.parseLines(splitLines(source))

	for i := range p.ast.Steps {
		p.parseStepBody(&p.ast.Steps[i])
	}
	if len(p.errors) == 0 {
		p.checkUnusedInputs()
	}

	if opts.Strict && len(p.warnings) > 0 {
		p.errors = append(p.errors, p.warnings...)
		p.warnings = nil
	}

	res := &ParseResult{Errors: p.errors, Warnings: p.warnings}
	if len(p.errors) == 0 {
		res.OK = true
		res.AST = p.ast
	}
	return res
}

func (p *parser) errorf(line int, format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)))
}

func (p *parser) warnf(line int, format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)))
}

// splitLines strips comments and blank lines, keeping 1-based line numbers.
func splitLines(source string) []sourceLine {
	raw := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")
	lines := make([]sourceLine, 0, len(raw))
	for i, l := range raw {
		text := strings.TrimSpace(stripComment(l))
		if text == "" {
			continue
		}
		lines = append(lines, sourceLine{num: i + 1, text: text})
	}
	return lines
}

// stripComment removes a trailing # or // comment that is not inside quotes.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '#':
			return line[:i]
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

func (p *parser) parseLines(lines []sourceLine) {
	var (
		inInputs  bool
		sawHeader bool
		ended     bool
		current   = -1
	)

	for _, ln := range lines {
		fields := strings.Fields(ln.text)
		head := strings.ToUpper(fields[0])

		if ended {
			p.warnf(ln.num, "content after END FLOW is ignored")
			break
		}

		switch {
		case inInputs:
			if head == "END" && len(fields) > 1 && strings.ToUpper(fields[1]) == "INPUTS" {
				inInputs = false
				continue
			}
			p.parseInputDecl(ln, fields)

		case head == "FLOW" && len(p.ast.Steps) == 0 && !sawHeader:
			sawHeader = true
			p.ast.Title = strings.Trim(strings.TrimSpace(ln.text[len(fields[0]):]), `"'`)

		case head == "INPUTS" && len(fields) == 1:
			if len(p.ast.Steps) > 0 {
				p.errorf(ln.num, "INPUTS block must precede the first STEP")
			}
			inInputs = true

		case head == "END":
			if len(fields) > 1 && strings.ToUpper(fields[1]) == "FLOW" {
				ended = true
				continue
			}
			p.errorf(ln.num, "unexpected %q", ln.text)

		case head == "STEP":
			current = p.startStep(ln)

		default:
			if current < 0 {
				p.errorf(ln.num, "unexpected %q outside a STEP", ln.text)
				continue
			}
			p.ast.Steps[current].Body = append(p.ast.Steps[current].Body, ln.text)
		}
	}

	if inInputs {
		p.errors = append(p.errors, "INPUTS block is not closed with END INPUTS")
	}
	if sawHeader && !ended {
		p.warnings = append(p.warnings, "FLOW header without matching END FLOW")
	}
	if len(p.ast.Steps) == 0 && len(p.errors) == 0 {
		p.errors = append(p.errors, "flow declares no steps")
	}
}

// parseInputDecl accepts "<type> <name>" or a bare "<name>".
func (p *parser) parseInputDecl(ln sourceLine, fields []string) {
	var decl schema.InputDecl
	switch len(fields) {
	case 1:
		decl = schema.InputDecl{Name: fields[0], Type: "any", Line: ln.num}
	case 2:
		decl = schema.InputDecl{Name: fields[1], Type: strings.ToLower(fields[0]), Line: ln.num}
	default:
		p.errorf(ln.num, "invalid input declaration %q: expected <type> <name>", ln.text)
		return
	}
	if !isName(decl.Name) {
		p.errorf(ln.num, "invalid input name %q", decl.Name)
		return
	}
	if p.inputSet[decl.Name] {
		p.errorf(ln.num, "duplicate input %q", decl.Name)
		return
	}
	p.inputSet[decl.Name] = true
	p.ast.Inputs = append(p.ast.Inputs, decl)
}

// startStep registers "STEP <name> = [operation]" and returns its index.
func (p *parser) startStep(ln sourceLine) int {
	rest := strings.TrimSpace(ln.text[len("STEP"):])
	eq := strings.Index(rest, "=")
	if eq < 0 {
		p.errorf(ln.num, "expected '=' after step name in %q", ln.text)
		return -1
	}
	name := strings.TrimSpace(rest[:eq])
	op := strings.TrimSpace(rest[eq+1:])

	if !isName(name) {
		p.errorf(ln.num, "invalid step name %q", name)
		return -1
	}
	if _, dup := p.stepIndex[name]; dup {
		p.errorf(ln.num, "duplicate step name %q", name)
		return -1
	}
	if p.inputSet[name] {
		p.errorf(ln.num, "step %q shadows a declared input", name)
		return -1
	}

	step := schema.Step{Name: name, StartLine: ln.num}
	if op != "" {
		step.Body = append(step.Body, op)
	}
	p.ast.Steps = append(p.ast.Steps, step)
	p.stepIndex[name] = len(p.ast.Steps) - 1
	return len(p.ast.Steps) - 1
}

func (p *parser) parseStepBody(step *schema.Step) {
	if len(step.Body) == 0 {
		p.errorf(step.StartLine, "step %q has no operation", step.Name)
		return
	}
	text := strings.Join(step.Body, " ")
	cfg, warns, err := parseOperation(text, step.Name)
	if err != nil {
		p.errorf(step.StartLine, "step %q: %s", step.Name, err.Error())
		return
	}
	for _, w := range warns {
		p.warnf(step.StartLine, "step %q: %s", step.Name, w)
	}
	step.Op = cfg.Kind()
	step.Config = cfg
}

// checkUnusedInputs warns about declared inputs nothing mentions.
func (p *parser) checkUnusedInputs() {
	used := make(map[string]bool)
	for _, s := range p.ast.Steps {
		refs := schema.RefsOf(s.Config)
		for _, group := range [][]string{refs.Sources, refs.Soft, refs.Reads} {
			for _, name := range group {
				used[schema.RootSegment(name)] = true
			}
		}
	}
	for _, in := range p.ast.Inputs {
		if !used[in.Name] {
			p.warnf(in.Line, "input %q is declared but never used", in.Name)
		}
	}
}
