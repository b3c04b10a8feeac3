package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_StateShadowsInputs(t *testing.T) {
	s := NewScope(map[string]any{"x": "input"})

	v, ok := s.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "input", v)

	s.Set("x", "step")
	v, _ = s.Lookup("x")
	assert.Equal(t, "step", v)

	v, _ = s.Input("x")
	assert.Equal(t, "input", v)
}

func TestScope_ResolveString(t *testing.T) {
	s := NewScope(map[string]any{
		"cfg": map[string]any{"limits": []any{map[string]any{"max": 5.0}}},
	})
	s.Set("reasoning", map[string]any{"answer": 42.0})
	s.Set("rows", []map[string]any{{"id": 1.0}, {"id": 2.0}})

	tests := []struct {
		ref  string
		want any
	}{
		{"reasoning", map[string]any{"answer": 42.0}},
		{"reasoning.answer", 42.0},
		{"cfg.limits[0].max", 5.0},
		{"rows[1].id", 2.0},
		{"rows[9].id", "rows[9].id"},
		{"reasoning.missing", "reasoning.missing"},
		{"just text", "just text"},
		{"cfg.limits.max", "cfg.limits.max"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, s.ResolveString(tt.ref))
		})
	}
}

func TestScope_ResolveNested(t *testing.T) {
	s := NewScope(map[string]any{"region": "EU"})
	s.Set("load", []map[string]any{{"id": 1.0}})

	got := s.Resolve(map[string]any{
		"rows":   "load",
		"filter": []any{"region", "literal", 3.0},
		"flag":   true,
	})
	assert.Equal(t, map[string]any{
		"rows":   []map[string]any{{"id": 1.0}},
		"filter": []any{"EU", "literal", 3.0},
		"flag":   true,
	}, got)
}

func TestScope_LookupPathFallsBackToInputs(t *testing.T) {
	s := NewScope(map[string]any{"doc": map[string]any{"a": 1.0}})
	s.Set("doc", map[string]any{"b": 2.0})

	v, ok := s.LookupPath("doc.b")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, ok = s.LookupPath("doc.a")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestParsePath(t *testing.T) {
	segs, ok := ParsePath(`a.b[0]["c"]`)
	require.True(t, ok)
	assert.Equal(t, []PathSegment{
		{Key: "a"}, {Key: "b"}, {Key: "0", Index: 0, IsIndex: true}, {Key: "c"},
	}, segs)

	for _, bad := range []string{"", ".a", "a.", "a..b", "a[", "a[]", "[0]"} {
		_, ok := ParsePath(bad)
		assert.False(t, ok, bad)
	}
}

func TestLookupField(t *testing.T) {
	row := map[string]any{"a": map[string]any{"b": map[string]any{"c": 3.0}}, "x.y": "flat"}

	v, ok := LookupField(row, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 3.0, v)

	v, ok = LookupField(row, "x.y")
	require.True(t, ok)
	assert.Equal(t, "flat", v)

	_, ok = LookupField(row, "a.z.c")
	assert.False(t, ok)
}

func TestDeepCopy(t *testing.T) {
	orig := map[string]any{"rows": []any{map[string]any{"v": 1.0}}}
	cp := DeepCopyMap(orig)
	cp["rows"].([]any)[0].(map[string]any)["v"] = 2.0

	assert.Equal(t, 1.0, orig["rows"].([]any)[0].(map[string]any)["v"])
}
