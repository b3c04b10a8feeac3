package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// interpolationPattern matches ${{ reference }} placeholders.
var interpolationPattern = regexp.MustCompile(`\$\{\{\s*([^}]+?)\s*\}\}`)

// HasInterpolation reports whether text contains a ${{...}} placeholder.
func HasInterpolation(text string) bool {
	return interpolationPattern.MatchString(text)
}

// Interpolate replaces ${{ name }} and ${{ name.path[0] }} placeholders in
// text with values from scope. Placeholders that do not resolve are left as
// written so the output shows what was missing.
func Interpolate(text string, scope *Scope) string {
	if !strings.Contains(text, "${{") {
		return text
	}
	return interpolationPattern.ReplaceAllStringFunc(text, func(match string) string {
		ref := interpolationPattern.FindStringSubmatch(match)[1]
		if v, ok := scope.Lookup(ref); ok {
			return marshalInline(v)
		}
		if v, ok := scope.LookupPath(ref); ok {
			return marshalInline(v)
		}
		return match
	})
}

// marshalInline converts a resolved value into its inline text form.
// Strings are embedded raw; maps and slices are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
