package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	s := NewScope(map[string]any{"name": "Ada"})
	s.Set("stats", map[string]any{"count": 3.0, "tags": []any{"x"}})

	tests := []struct {
		in   string
		want string
	}{
		{"no placeholders", "no placeholders"},
		{"hello ${{name}}", "hello Ada"},
		{"${{ stats.count }} rows", "3 rows"},
		{"tags=${{stats.tags}}", `tags=["x"]`},
		{"keep ${{ unknown }}", "keep ${{ unknown }}"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Interpolate(tt.in, s))
		})
	}
	assert.True(t, HasInterpolation("a ${{b}}"))
	assert.False(t, HasInterpolation("a {b}"))
}
