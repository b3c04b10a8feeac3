package expressions

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Scope holds the values visible to one execution run: step outputs computed
// so far and the caller-supplied plan inputs. Step outputs shadow inputs of
// the same name. A Scope is owned by a single run and is not safe for
// concurrent use.
type Scope struct {
	state  map[string]any
	inputs map[string]any
}

// NewScope creates an empty run scope over inputs. The inputs map is not
// copied; operations that hand rows onward copy them.
func NewScope(inputs map[string]any) *Scope {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Scope{
		state:  make(map[string]any),
		inputs: inputs,
	}
}

// Set records the output of a step.
func (s *Scope) Set(name string, value any) {
	s.state[name] = value
}

// Lookup finds name in the step outputs, then in the plan inputs.
func (s *Scope) Lookup(name string) (any, bool) {
	if v, ok := s.state[name]; ok {
		return v, true
	}
	v, ok := s.inputs[name]
	return v, ok
}

// Input returns a plan input, ignoring step outputs.
func (s *Scope) Input(name string) (any, bool) {
	v, ok := s.inputs[name]
	return v, ok
}

// State returns a shallow copy of the step outputs.
func (s *Scope) State() map[string]any {
	out := make(map[string]any, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// LookupPath resolves a dotted/bracketed path such as "a.b[0].c". The root is
// looked up in the step outputs and then in the inputs; the first root whose
// walk succeeds wins.
func (s *Scope) LookupPath(path string) (any, bool) {
	segs, ok := ParsePath(path)
	if !ok || len(segs) < 2 {
		return nil, false
	}
	root := segs[0].Key
	for _, layer := range []map[string]any{s.state, s.inputs} {
		base, ok := layer[root]
		if !ok {
			continue
		}
		if v, ok := Walk(base, segs[1:]); ok {
			return v, true
		}
	}
	return nil, false
}

// Resolve resolves a literal that may contain references. Slices and maps
// resolve element-wise; a string is looked up by exact name, then as a path,
// and returned unchanged when nothing matches. Any string that happens to
// equal a step or input name is substituted.
func (s *Scope) Resolve(v any) any {
	switch val := v.(type) {
	case string:
		return s.ResolveString(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.Resolve(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.Resolve(item)
		}
		return out
	default:
		return v
	}
}

// ResolveString applies the reference rules to a single string.
func (s *Scope) ResolveString(ref string) any {
	if v, ok := s.Lookup(ref); ok {
		return v
	}
	if strings.ContainsAny(ref, ".[") {
		if v, ok := s.LookupPath(ref); ok {
			return v
		}
	}
	return ref
}

// PathSegment is one step of a path: a map key or a slice index.
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

// ParsePath splits "a.b[0].c" into segments. It reports false for malformed
// paths (empty segments, unbalanced brackets).
func ParsePath(path string) ([]PathSegment, bool) {
	if path == "" {
		return nil, false
	}
	var segs []PathSegment
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			if i == 0 || i == len(path)-1 || path[i+1] == '.' || path[i+1] == '[' {
				return nil, false
			}
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end <= 1 {
				return nil, false
			}
			inner := strings.Trim(path[i+1:i+end], `"'`)
			if n, err := strconv.Atoi(inner); err == nil {
				segs = append(segs, PathSegment{Key: inner, Index: n, IsIndex: true})
			} else {
				segs = append(segs, PathSegment{Key: inner})
			}
			i += end + 1
		default:
			end := strings.IndexAny(path[i:], ".[")
			if end < 0 {
				end = len(path) - i
			}
			segs = append(segs, PathSegment{Key: path[i : i+end]})
			i += end
		}
	}
	if len(segs) == 0 || segs[0].IsIndex {
		return nil, false
	}
	return segs, true
}

// Walk descends into root along segs. It reports false on a missing key, an
// out-of-range index, or a non-indexable intermediate value.
func Walk(root any, segs []PathSegment) (any, bool) {
	current := root
	for _, seg := range segs {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg.Key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(v) {
				return nil, false
			}
			current = v[seg.Index]
		case []map[string]any:
			if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(v) {
				return nil, false
			}
			current = v[seg.Index]
		default:
			return nil, false
		}
	}
	return current, true
}

// LookupField reads a dot-separated field from a row. Missing segments yield
// (nil, false).
func LookupField(row map[string]any, field string) (any, bool) {
	if v, ok := row[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}
	parts := strings.Split(field, ".")
	segs := make([]PathSegment, len(parts))
	for i, p := range parts {
		segs[i] = PathSegment{Key: p}
	}
	return Walk(row, segs)
}

// --- Deep copy utilities ---

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively copies maps and slices. Primitives are returned as is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case []map[string]any:
		cp := make([]map[string]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyMap(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
