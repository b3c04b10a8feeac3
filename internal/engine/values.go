package engine

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// undefined marks a field that is absent from a row. It is distinct from a
// present field holding nil.
type undefined struct{}

var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// toNumber coerces v the way numeric comparison expects: nil is 0, booleans
// are 0/1, strings are parsed (blank is 0) and everything else is NaN.
func toNumber(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case undefined:
		return math.NaN()
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		f, ok := parseNumber(n)
		if !ok {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

// parseNumber parses decimal, exponent, hex/octal/binary integer and
// Infinity forms. Blank strings are 0.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return 0, true
	case "Infinity", "+Infinity":
		return math.Inf(1), true
	case "-Infinity":
		return math.Inf(-1), true
	}
	if len(s) > 2 && s[0] == '0' {
		switch s[1] {
		case 'x', 'X', 'o', 'O', 'b', 'B':
			n, err := strconv.ParseInt(s, 0, 64)
			if err != nil {
				return 0, false
			}
			return float64(n), true
		}
	}
	if !decimalPattern.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// isNumber reports whether v holds a numeric Go value.
func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32, json.Number:
		return true
	}
	return false
}

// normalizeValue prepares a value for equality: numbers become float64,
// booleans and nil pass through, everything else is stringified.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case nil, bool, undefined:
		return n
	case string:
		return n
	}
	if isNumber(v) {
		return toNumber(v)
	}
	return stringify(v)
}

// stringify renders a value as text: numbers in shortest form, absent fields
// as "undefined", structured values as JSON.
func stringify(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case undefined:
		return "undefined"
	case string:
		return n
	case bool:
		return strconv.FormatBool(n)
	}
	if isNumber(v) {
		return formatNumber(toNumber(v))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[object]"
	}
	return string(b)
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
