package engine

import (
	"math"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/rendis/voike/internal/expressions"
	"github.com/rendis/voike/pkg/schema"
)

// coerceRows turns a plan input into a fresh row set. Row sets are deep
// copied; strings are parsed as CSV.
func coerceRows(name string, v any) ([]map[string]any, error) {
	switch val := v.(type) {
	case string:
		return parseCSV(val), nil
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, row := range val {
			out[i] = expressions.DeepCopyMap(row)
		}
		return out, nil
	case []any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeType,
					"input %q: element %d is %T, expected an object", name, i, item)
			}
			out[i] = expressions.DeepCopyMap(row)
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeType,
		"input %q must be CSV text or an array of rows, got %T", name, v)
}

// asRows views a resolved value as a row set without copying.
func asRows(name string, v any) ([]map[string]any, error) {
	switch val := v.(type) {
	case []map[string]any:
		return val, nil
	case []any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeType,
					"dataset %q: element %d is %T, expected an object", name, i, item)
			}
			out[i] = row
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeType, "dataset %q is %T, expected an array of rows", name, v)
}

// aggregate folds one bucket into a value. ok is false for unknown functions.
func aggregate(fn, field string, bucket []map[string]any) (any, bool) {
	switch fn {
	case "count":
		return float64(len(bucket)), true
	case "sum":
		return sumField(bucket, field), true
	case "avg":
		if len(bucket) == 0 {
			return nil, true
		}
		return sumField(bucket, field) / float64(len(bucket)), true
	case "min", "max":
		var best float64
		found := false
		for _, row := range bucket {
			n := toNumber(fieldValue(row, field))
			if math.IsNaN(n) {
				continue
			}
			if !found || (fn == "min" && n < best) || (fn == "max" && n > best) {
				best, found = n, true
			}
		}
		if !found {
			return nil, true
		}
		return best, true
	}
	return nil, false
}

// sumField adds field across rows; missing or non-numeric values count as 0.
func sumField(rows []map[string]any, field string) float64 {
	total := 0.0
	for _, row := range rows {
		n := toNumber(fieldValue(row, field))
		if math.IsNaN(n) {
			continue
		}
		total += n
	}
	return total
}

// groupRows buckets rows by the stringified group field, keeping buckets in
// first-seen order. The emitted group value is the first row's original value.
func groupRows(rows []map[string]any, cfg schema.GroupAggConfig) ([]map[string]any, []string) {
	type bucket struct {
		value any
		rows  []map[string]any
	}
	var order []string
	buckets := make(map[string]*bucket)
	for _, row := range rows {
		v := fieldValue(row, cfg.GroupBy)
		key := stringify(v)
		b, ok := buckets[key]
		if !ok {
			if _, absent := v.(undefined); absent {
				v = nil
			}
			b = &bucket{value: v}
			buckets[key] = b
			order = append(order, key)
		}
		b.rows = append(b.rows, row)
	}

	var skipped []string
	seenSkip := make(map[string]bool)
	out := make([]map[string]any, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		row := map[string]any{cfg.GroupBy: b.value}
		for _, agg := range cfg.Aggregations {
			v, ok := aggregate(agg.Fn, agg.Field, b.rows)
			if !ok {
				if !seenSkip[agg.Fn] {
					seenSkip[agg.Fn] = true
					skipped = append(skipped, agg.Fn)
				}
				continue
			}
			row[agg.Alias] = v
		}
		out = append(out, row)
	}
	return out, skipped
}

// sortRows returns a sorted copy of rows. Two numbers compare numerically;
// any other pair compares as text using locale collation.
func sortRows(rows []map[string]any, cfg schema.SortConfig) []map[string]any {
	out := make([]map[string]any, len(rows))
	copy(out, rows)

	col := collate.New(language.Und)
	sort.SliceStable(out, func(i, j int) bool {
		c := compareValues(col, fieldValue(out[i], cfg.Field), fieldValue(out[j], cfg.Field))
		if cfg.Descending {
			return c > 0
		}
		return c < 0
	})

	if cfg.Limit > 0 && cfg.Limit < len(out) {
		out = out[:cfg.Limit]
	}
	return out
}

func compareValues(col *collate.Collator, a, b any) int {
	if isNumber(a) && isNumber(b) {
		x, y := toNumber(a), toNumber(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return col.CompareString(stringify(a), stringify(b))
}

// takeRows returns the first n rows.
func takeRows(rows []map[string]any, n int) []map[string]any {
	if n < 0 {
		n = 0
	}
	if n > len(rows) {
		n = len(rows)
	}
	out := make([]map[string]any, n)
	copy(out, rows[:n])
	return out
}

// joinRows inner-joins left and right on the stringified key values. Merged
// rows start from the right row and are overwritten by the left row.
func joinRows(left, right []map[string]any, cfg schema.JoinConfig) []map[string]any {
	index := make(map[string][]map[string]any, len(right))
	for _, r := range right {
		v := fieldValue(r, cfg.RightKey)
		if _, absent := v.(undefined); absent {
			continue
		}
		key := stringify(v)
		index[key] = append(index[key], r)
	}

	out := make([]map[string]any, 0, len(left))
	for _, l := range left {
		v := fieldValue(l, cfg.LeftKey)
		if _, absent := v.(undefined); absent {
			continue
		}
		for _, r := range index[stringify(v)] {
			merged := make(map[string]any, len(l)+len(r))
			for k, val := range r {
				merged[k] = val
			}
			for k, val := range l {
				merged[k] = val
			}
			out = append(out, merged)
		}
	}
	return out
}
