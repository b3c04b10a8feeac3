package parser

import (
	"fmt"
	"strings"
	"unicode"
)

// tokenKind classifies a lexical token of an operation line.
type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOperator // > >= < <= == != = <>
	tokComma
	tokLParen
	tokRParen
	tokStar
	tokCast // ::
	tokBrace
	tokEOF
)

type token struct {
	kind tokenKind
	text string // raw text; unquoted for strings
	pos  int    // byte offset of the token start
	end  int    // byte offset just past the token
}

// upper returns the keyword form of an identifier token.
func (t token) upper() string {
	return strings.ToUpper(t.text)
}

func (t token) is(keyword string) bool {
	return t.kind == tokIdent && t.upper() == keyword
}

// lex splits an operation into tokens. Payload braces are not tokenized
// beyond the opening brace; the parser slices the raw text instead.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '"' || c == '\'':
			text, end, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: text, pos: i, end: end})
			i = end
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1]) && precedesValue(toks)):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '-' || src[i] == '+') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start, end: i})
		case isIdentStart(rune(c)):
			start := i
			i++
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start, end: i})
		case c == ':' && i+1 < len(src) && src[i+1] == ':':
			toks = append(toks, token{kind: tokCast, text: "::", pos: i, end: i + 2})
			i += 2
		case c == '>' || c == '<' || c == '=' || c == '!':
			start := i
			i++
			if i < len(src) && (src[i] == '=' || (c == '<' && src[i] == '>')) {
				i++
			}
			op := src[start:i]
			if op == "!" {
				return nil, fmt.Errorf("unexpected '!' at column %d", start+1)
			}
			toks = append(toks, token{kind: tokOperator, text: op, pos: start, end: i})
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i, end: i + 1})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i, end: i + 1})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i, end: i + 1})
			i++
		case c == '*':
			toks = append(toks, token{kind: tokStar, text: "*", pos: i, end: i + 1})
			i++
		case c == '{' || c == '[':
			// Remaining text is a payload literal; stop tokenizing.
			toks = append(toks, token{kind: tokBrace, text: src[i:], pos: i, end: len(src)})
			i = len(src)
		default:
			toks = append(toks, token{kind: tokIdent, text: string(c), pos: i, end: i + 1})
			i++
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src), end: len(src)})
	return toks, nil
}

// lexString reads a quoted string starting at src[start]. Backslash escapes
// the next character.
func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			b.WriteByte(src[i+1])
			i += 2
			continue
		}
		if c == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at column %d", start+1)
}

// precedesValue reports whether a '-' at this point starts a negative number
// rather than being part of an expression.
func precedesValue(toks []token) bool {
	if len(toks) == 0 {
		return true
	}
	switch toks[len(toks)-1].kind {
	case tokOperator, tokComma, tokLParen:
		return true
	case tokIdent:
		return true
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

// isIdentPart accepts path characters so references like a.b[0].c and
// dotted targets like grid.submit stay a single token.
func isIdentPart(c byte) bool {
	return c == '_' || c == '.' || c == '-' || c == ']' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || isDigit(c) ||
		c == '['
}

// isName reports whether s is a plain step/input identifier.
func isName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !isIdentStart(r) {
			return false
		}
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
