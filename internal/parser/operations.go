package parser

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/voike/pkg/schema"
)

// knownAggregations are the GROUP_AGG functions the executor implements.
var knownAggregations = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
}

// opParser walks the tokens of a single operation.
type opParser struct {
	src  string
	toks []token
	pos  int
	warn []string
}

func parseOperation(text, stepName string) (schema.OpConfig, []string, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, nil, err
	}
	p := &opParser{src: text, toks: toks}
	cfg, err := p.operation(stepName)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p.warn, nil
}

func (p *opParser) peek() token { return p.toks[p.pos] }

func (p *opParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *opParser) accept(keyword string) bool {
	if p.peek().is(keyword) {
		p.pos++
		return true
	}
	return false
}

func (p *opParser) expect(keyword string) error {
	if !p.accept(keyword) {
		return fmt.Errorf("expected %s, got %s", keyword, describe(p.peek()))
	}
	return nil
}

func (p *opParser) atEnd() bool { return p.peek().kind == tokEOF }

func (p *opParser) expectEnd() error {
	if !p.atEnd() {
		return fmt.Errorf("unexpected %s", describe(p.peek()))
	}
	return nil
}

func describe(t token) string {
	if t.kind == tokEOF {
		return "end of operation"
	}
	return fmt.Sprintf("%q", t.text)
}

// name reads an identifier, or a quoted string when quoted is allowed.
func (p *opParser) name(what string, quoted bool) (string, error) {
	t := p.peek()
	if t.kind == tokIdent || (quoted && t.kind == tokString) {
		p.pos++
		return t.text, nil
	}
	return "", fmt.Errorf("expected %s, got %s", what, describe(t))
}

func (p *opParser) integer(what string) (int, error) {
	t := p.next()
	if t.kind != tokNumber {
		return 0, fmt.Errorf("expected %s, got %s", what, describe(t))
	}
	n, err := strconv.Atoi(t.text)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", what, t.text)
	}
	return n, nil
}

// rest returns the raw source after the current token position.
func (p *opParser) rest() string {
	return strings.TrimSpace(p.src[p.peek().pos:])
}

// optionalPayload parses "WITH <payload>" when present.
func (p *opParser) optionalPayload() (any, error) {
	if p.atEnd() {
		return nil, nil
	}
	if err := p.expect("WITH"); err != nil {
		return nil, err
	}
	raw := p.rest()
	p.pos = len(p.toks) - 1
	return parsePayload(raw)
}

func (p *opParser) operation(stepName string) (schema.OpConfig, error) {
	head := p.next()
	if head.kind != tokIdent {
		return nil, fmt.Errorf("expected operation keyword, got %s", describe(head))
	}

	switch head.upper() {
	case "LOAD":
		return p.load()
	case "FILTER":
		return p.filter()
	case "MAP":
		return p.mapOp()
	case "GROUP", "GROUP_AGG":
		return p.group()
	case "JOIN":
		return p.join()
	case "SORT":
		return p.sort()
	case "TAKE":
		return p.take()
	case "INFER":
		model, err := p.name("model name", true)
		if err != nil {
			return nil, err
		}
		if err := p.expect("ON"); err != nil {
			return nil, err
		}
		src, err := p.name("source", false)
		if err != nil {
			return nil, err
		}
		return schema.InferConfig{Model: model, Source: src}, p.expectEnd()
	case "TRAIN":
		model, err := p.name("model name", true)
		if err != nil {
			return nil, err
		}
		if err := p.expect("ON"); err != nil {
			return nil, err
		}
		src, err := p.name("source", false)
		if err != nil {
			return nil, err
		}
		params, err := p.optionalPayload()
		return schema.TrainConfig{Model: model, Source: src, Params: params}, err
	case "RUN":
		return p.run()
	case "CALL":
		target, err := p.name("plan reference", true)
		if err != nil {
			return nil, err
		}
		payload, err := p.optionalPayload()
		return schema.CallConfig{Target: target, Payload: payload}, err
	case "ASK":
		if err := p.expect("AI"); err != nil {
			return nil, err
		}
		prompt, err := p.value("prompt")
		if err != nil {
			return nil, err
		}
		payload, err := p.optionalPayload()
		return schema.AskAIConfig{Prompt: prompt, Payload: payload}, err
	case "APX":
		if err := p.expect("EXEC"); err != nil {
			return nil, err
		}
		target, err := p.name("APX target", true)
		if err != nil {
			return nil, err
		}
		payload, err := p.optionalPayload()
		return schema.APXExecConfig{Target: target, Payload: payload}, err
	case "BUILD":
		if err := p.expect("VPKG"); err != nil {
			return nil, err
		}
		if err := p.expect("FROM"); err != nil {
			return nil, err
		}
		ref, err := p.name("manifest reference", true)
		if err != nil {
			return nil, err
		}
		return schema.BuildVPKGConfig{ManifestRef: ref}, p.expectEnd()
	case "DEPLOY":
		return p.deploy()
	case "OUTPUT":
		return p.output(stepName)
	case "STORE":
		src, err := p.name("source", false)
		if err != nil {
			return nil, err
		}
		if err := p.expect("INTO"); err != nil {
			return nil, err
		}
		table, err := p.name("table name", true)
		if err != nil {
			return nil, err
		}
		return schema.StoreConfig{Source: src, Table: table}, p.expectEnd()
	}

	p.warn = append(p.warn, fmt.Sprintf("unknown operation %q", head.text))
	return schema.CustomConfig{Name: head.upper(), Raw: p.src}, nil
}

func (p *opParser) load() (schema.OpConfig, error) {
	kind := p.next()
	switch kind.upper() {
	case "CSV":
		if err := p.expect("FROM"); err != nil {
			return nil, err
		}
		input, err := p.name("input name", false)
		if err != nil {
			return nil, err
		}
		return schema.LoadCSVConfig{Input: input}, p.expectEnd()
	case "JSON":
		if err := p.expect("FROM"); err != nil {
			return nil, err
		}
		input, err := p.name("input name", false)
		if err != nil {
			return nil, err
		}
		cfg := schema.LoadJSONConfig{Input: input}
		if p.accept("SELECT") {
			t := p.next()
			if t.kind != tokString {
				return nil, fmt.Errorf("SELECT expects a quoted jq expression, got %s", describe(t))
			}
			cfg.Selector = t.text
		}
		return cfg, p.expectEnd()
	case "TABLE":
		table, err := p.name("table name", true)
		if err != nil {
			return nil, err
		}
		return schema.LoadTableConfig{Table: table}, p.expectEnd()
	case "MODEL":
		model, err := p.name("model name", true)
		if err != nil {
			return nil, err
		}
		return schema.LoadModelConfig{Model: model}, p.expectEnd()
	}
	return nil, fmt.Errorf("LOAD expects CSV, JSON, TABLE or MODEL, got %s", describe(kind))
}

func (p *opParser) filter() (schema.OpConfig, error) {
	src, err := p.name("source", false)
	if err != nil {
		return nil, err
	}
	if err := p.expect("WHERE"); err != nil {
		return nil, err
	}
	if p.atEnd() {
		return nil, fmt.Errorf("WHERE requires a condition")
	}
	raw := p.rest()
	if cond, ok := p.simpleCondition(); ok {
		return schema.FilterConfig{Source: src, Condition: cond}, nil
	}
	return schema.FilterConfig{Source: src, Condition: schema.Condition{Expression: toCEL(raw)}}, nil
}

// simpleCondition recognizes "<field>[::type] <op> <value>" spanning the rest
// of the operation.
func (p *opParser) simpleCondition() (schema.Condition, bool) {
	toks := p.toks[p.pos:]
	field := toks[0]
	if field.kind != tokIdent {
		return schema.Condition{}, false
	}
	i := 1
	if len(toks) > 2 && toks[i].kind == tokCast {
		if toks[i+1].kind != tokIdent {
			return schema.Condition{}, false
		}
		i += 2
	}
	if len(toks) < i+3 {
		return schema.Condition{}, false
	}
	opTok, valTok := toks[i], toks[i+1]
	if opTok.kind != tokOperator || toks[i+2].kind != tokEOF {
		return schema.Condition{}, false
	}
	var value any
	switch valTok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(valTok.text, 64)
		if err != nil {
			return schema.Condition{}, false
		}
		value = f
	case tokString:
		value = valTok.text
	case tokIdent:
		value = literalWord(valTok.text)
	default:
		return schema.Condition{}, false
	}
	op := opTok.text
	switch op {
	case "=":
		op = "=="
	case "<>":
		op = "!="
	}
	p.pos = len(p.toks) - 1
	return schema.Condition{Field: field.text, Op: op, Value: value}, true
}

// literalWord maps bare true/false/null to their values; other words are strings.
func literalWord(w string) any {
	switch strings.ToLower(w) {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return w
}

// toCEL rewrites AND/OR/NOT keywords outside quotes into CEL operators and
// drops ::type casts.
func toCEL(expr string) string {
	var b strings.Builder
	var quote byte
	i := 0
	for i < len(expr) {
		c := expr[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(expr) {
				b.WriteByte(expr[i+1])
				i += 2
				continue
			}
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			b.WriteByte(c)
			i++
			continue
		}
		if c == ':' && i+1 < len(expr) && expr[i+1] == ':' {
			i += 2
			for i < len(expr) && isIdentPart(expr[i]) {
				i++
			}
			continue
		}
		if isIdentStart(rune(c)) && (i == 0 || !isIdentPart(expr[i-1])) {
			j := i
			for j < len(expr) && isIdentPart(expr[j]) {
				j++
			}
			word := expr[i:j]
			switch strings.ToUpper(word) {
			case "AND":
				b.WriteString("&&")
			case "OR":
				b.WriteString("||")
			case "NOT":
				b.WriteString("!")
			default:
				b.WriteString(word)
			}
			i = j
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// mapOp parses "MAP <src> SET f = expr, g = expr". Expressions are split on
// top-level commas.
func (p *opParser) mapOp() (schema.OpConfig, error) {
	src, err := p.name("source", false)
	if err != nil {
		return nil, err
	}
	if err := p.expect("SET"); err != nil {
		return nil, err
	}
	raw := p.rest()
	p.pos = len(p.toks) - 1

	var fields []schema.MapField
	for _, part := range splitTopLevel(raw, ',') {
		eq := strings.Index(part, "=")
		if eq < 0 {
			return nil, fmt.Errorf("MAP assignment %q is missing '='", part)
		}
		name := strings.TrimSpace(part[:eq])
		expr := strings.TrimSpace(part[eq+1:])
		if !isName(name) || expr == "" {
			return nil, fmt.Errorf("invalid MAP assignment %q", part)
		}
		fields = append(fields, schema.MapField{Name: name, Expression: expr})
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("MAP requires at least one assignment")
	}
	return schema.MapConfig{Source: src, Fields: fields}, nil
}

// splitTopLevel splits s on sep outside quotes and brackets.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" {
		parts = append(parts, tail)
	}
	return parts
}

func (p *opParser) group() (schema.OpConfig, error) {
	src, err := p.name("source", false)
	if err != nil {
		return nil, err
	}
	if err := p.expect("BY"); err != nil {
		return nil, err
	}
	groupBy, err := p.name("group field", false)
	if err != nil {
		return nil, err
	}
	cfg := schema.GroupAggConfig{Source: src, GroupBy: groupBy}
	if !p.accept("AGG") && !p.accept("AGGREGATE") {
		if !p.atEnd() {
			return nil, fmt.Errorf("expected AGG, got %s", describe(p.peek()))
		}
		cfg.Aggregations = []schema.Aggregation{{Fn: "count", Alias: "count"}}
		return cfg, nil
	}
	for {
		agg, err := p.aggregation()
		if err != nil {
			return nil, err
		}
		if !knownAggregations[agg.Fn] {
			p.warn = append(p.warn, fmt.Sprintf("unsupported aggregation %q will produce no field", agg.Fn))
		}
		cfg.Aggregations = append(cfg.Aggregations, agg)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	return cfg, p.expectEnd()
}

// aggregation parses "fn(field|*) [AS alias]".
func (p *opParser) aggregation() (schema.Aggregation, error) {
	fnTok := p.next()
	if fnTok.kind != tokIdent {
		return schema.Aggregation{}, fmt.Errorf("expected aggregation function, got %s", describe(fnTok))
	}
	agg := schema.Aggregation{Fn: strings.ToLower(fnTok.text)}
	if p.peek().kind != tokLParen {
		return agg, fmt.Errorf("expected '(' after %s", fnTok.text)
	}
	p.next()
	switch t := p.next(); t.kind {
	case tokStar:
	case tokIdent:
		agg.Field = t.text
	case tokRParen:
		p.pos--
	default:
		return agg, fmt.Errorf("unexpected %s in %s()", describe(t), fnTok.text)
	}
	if p.next().kind != tokRParen {
		return agg, fmt.Errorf("expected ')' to close %s(", fnTok.text)
	}
	if p.accept("AS") {
		alias, err := p.name("alias", true)
		if err != nil {
			return agg, err
		}
		agg.Alias = alias
	} else if agg.Field != "" {
		agg.Alias = agg.Fn + "_" + agg.Field
	} else {
		agg.Alias = agg.Fn
	}
	return agg, nil
}

func (p *opParser) join() (schema.OpConfig, error) {
	left, err := p.name("left source", false)
	if err != nil {
		return nil, err
	}
	if err := p.expect("WITH"); err != nil {
		return nil, err
	}
	right, err := p.name("right source", false)
	if err != nil {
		return nil, err
	}
	if err := p.expect("ON"); err != nil {
		return nil, err
	}
	leftKey, err := p.name("join key", false)
	if err != nil {
		return nil, err
	}
	rightKey := leftKey
	if t := p.peek(); t.kind == tokOperator && (t.text == "=" || t.text == "==") {
		p.next()
		if rightKey, err = p.name("join key", false); err != nil {
			return nil, err
		}
	}
	return schema.JoinConfig{Left: left, Right: right, LeftKey: leftKey, RightKey: rightKey}, p.expectEnd()
}

func (p *opParser) sort() (schema.OpConfig, error) {
	src, err := p.name("source", false)
	if err != nil {
		return nil, err
	}
	if err := p.expect("BY"); err != nil {
		return nil, err
	}
	field, err := p.name("sort field", false)
	if err != nil {
		return nil, err
	}
	cfg := schema.SortConfig{Source: src, Field: field}
	switch {
	case p.accept("DESC"):
		cfg.Descending = true
	case p.accept("ASC"):
	}
	if p.accept("LIMIT") {
		if cfg.Limit, err = p.integer("limit"); err != nil {
			return nil, err
		}
	}
	return cfg, p.expectEnd()
}

// take accepts "TAKE <n> FROM <src>", "TAKE <src> <n>" and "TAKE <src> LIMIT <n>".
func (p *opParser) take() (schema.OpConfig, error) {
	if p.peek().kind == tokNumber {
		n, err := p.integer("row count")
		if err != nil {
			return nil, err
		}
		if err := p.expect("FROM"); err != nil {
			return nil, err
		}
		src, err := p.name("source", false)
		if err != nil {
			return nil, err
		}
		return schema.TakeConfig{Source: src, Count: n}, p.expectEnd()
	}
	src, err := p.name("source", false)
	if err != nil {
		return nil, err
	}
	p.accept("LIMIT")
	n, err := p.integer("row count")
	if err != nil {
		return nil, err
	}
	return schema.TakeConfig{Source: src, Count: n}, p.expectEnd()
}

func (p *opParser) run() (schema.OpConfig, error) {
	kind := p.next()
	switch kind.upper() {
	case "JOB":
		job, err := p.name("job name", true)
		if err != nil {
			return nil, err
		}
		payload, err := p.optionalPayload()
		return schema.RunJobConfig{Job: job, Payload: payload}, err
	case "AGENT":
		agent, err := p.name("agent name", true)
		if err != nil {
			return nil, err
		}
		payload, err := p.optionalPayload()
		return schema.RunAgentConfig{Agent: agent, Payload: payload}, err
	}
	return nil, fmt.Errorf("RUN expects JOB or AGENT, got %s", describe(kind))
}

func (p *opParser) deploy() (schema.OpConfig, error) {
	if err := p.expect("SERVICE"); err != nil {
		return nil, err
	}
	service, err := p.name("service name", true)
	if err != nil {
		return nil, err
	}
	if err := p.expect("FROM"); err != nil {
		return nil, err
	}
	ref, err := p.name("vpkg reference", true)
	if err != nil {
		return nil, err
	}
	payload, err := p.optionalPayload()
	return schema.DeployServiceConfig{ServiceName: service, VPKGRef: ref, Payload: payload}, err
}

func (p *opParser) output(stepName string) (schema.OpConfig, error) {
	if p.accept("TEXT") {
		v, err := p.value("text")
		if err != nil {
			return nil, err
		}
		return schema.OutputTextConfig{Value: v}, p.expectEnd()
	}
	src, err := p.name("source", false)
	if err != nil {
		return nil, err
	}
	cfg := schema.OutputConfig{Source: src, Label: stepName}
	if p.accept("AS") {
		if cfg.Label, err = p.name("output label", true); err != nil {
			return nil, err
		}
	}
	return cfg, p.expectEnd()
}

// value reads a literal or reference: quoted strings and bare words are
// strings (resolved as maybe-references at run time), numbers are float64,
// braces start a payload literal.
func (p *opParser) value(what string) (any, error) {
	t := p.peek()
	switch t.kind {
	case tokString, tokIdent:
		p.next()
		if t.kind == tokIdent {
			return literalWord(t.text), nil
		}
		return t.text, nil
	case tokNumber:
		p.next()
		return strconv.ParseFloat(t.text, 64)
	case tokBrace:
		p.next()
		return parsePayload(t.text)
	}
	return nil, fmt.Errorf("expected %s, got %s", what, describe(t))
}

// parsePayload decodes a JSON or YAML flow literal into JSON-like values.
func parsePayload(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("WITH requires a payload")
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid payload %q: %s", raw, err.Error())
	}
	return normalizeYAML(v), nil
}

// normalizeYAML converts yaml.v3 decoding results to the shapes encoding/json
// would produce: float64 numbers and map[string]any objects.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	}
	return v
}
