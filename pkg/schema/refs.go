package schema

import (
	"sort"
	"strings"
)

// ConfigRefs classifies the names an operation config mentions.
type ConfigRefs struct {
	// Sources must resolve to an earlier step or a declared input.
	Sources []string
	// Soft are strings that only count as references when they resolve;
	// otherwise they are literals.
	Soft []string
	// Reads are plan inputs read directly at run time (LOAD_*).
	Reads []string
}

// RefsOf returns the references made by cfg, in first-seen order.
func RefsOf(cfg OpConfig) ConfigRefs {
	var r ConfigRefs
	switch c := cfg.(type) {
	case LoadCSVConfig:
		r.Reads = append(r.Reads, c.Input)
	case LoadJSONConfig:
		r.Reads = append(r.Reads, c.Input)
	case LoadTableConfig:
		r.Reads = append(r.Reads, c.Table)
	case FilterConfig:
		r.Sources = append(r.Sources, c.Source)
	case MapConfig:
		r.Sources = append(r.Sources, c.Source)
	case GroupAggConfig:
		r.Sources = append(r.Sources, c.Source)
	case JoinConfig:
		r.Sources = append(r.Sources, c.Left, c.Right)
	case SortConfig:
		r.Sources = append(r.Sources, c.Source)
	case TakeConfig:
		r.Sources = append(r.Sources, c.Source)
	case InferConfig:
		r.Sources = append(r.Sources, c.Source)
	case TrainConfig:
		r.Sources = append(r.Sources, c.Source)
		r.Soft = collectStrings(c.Params, r.Soft)
	case OutputConfig:
		r.Sources = append(r.Sources, c.Source)
	case StoreConfig:
		r.Sources = append(r.Sources, c.Source)
	case RunJobConfig:
		r.Soft = collectStrings(c.Payload, r.Soft)
	case CallConfig:
		r.Soft = collectStrings(c.Payload, r.Soft)
	case RunAgentConfig:
		r.Soft = collectStrings(c.Payload, r.Soft)
	case AskAIConfig:
		r.Soft = collectStrings(c.Prompt, r.Soft)
		r.Soft = collectStrings(c.Payload, r.Soft)
	case APXExecConfig:
		r.Soft = collectStrings(c.Payload, r.Soft)
	case BuildVPKGConfig:
		r.Soft = append(r.Soft, c.ManifestRef)
	case DeployServiceConfig:
		r.Soft = append(r.Soft, c.VPKGRef)
		r.Soft = collectStrings(c.Payload, r.Soft)
	case OutputTextConfig:
		r.Soft = collectStrings(c.Value, r.Soft)
	}
	return r
}

// collectStrings appends every string leaf of v. Map keys are visited in
// sorted order so dependency lists are stable.
func collectStrings(v any, acc []string) []string {
	switch val := v.(type) {
	case string:
		return append(acc, val)
	case []any:
		for _, item := range val {
			acc = collectStrings(item, acc)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			acc = collectStrings(val[k], acc)
		}
	}
	return acc
}

// RootSegment returns the leading name of a dotted/bracketed path:
// "a.b[0].c" → "a", "rows[2]" → "rows".
func RootSegment(path string) string {
	if i := strings.IndexAny(path, ".["); i >= 0 {
		return path[:i]
	}
	return path
}
