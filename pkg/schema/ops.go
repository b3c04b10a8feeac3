package schema

import (
	"encoding/json"
	"fmt"
)

// OpKind is the discriminant of an operation config.
type OpKind string

const (
	KindLoadCSV       OpKind = "LOAD_CSV"
	KindLoadJSON      OpKind = "LOAD_JSON"
	KindLoadTable     OpKind = "LOAD_TABLE"
	KindFilter        OpKind = "FILTER"
	KindMap           OpKind = "MAP"
	KindGroupAgg      OpKind = "GROUP_AGG"
	KindJoin          OpKind = "JOIN"
	KindSort          OpKind = "SORT"
	KindTake          OpKind = "TAKE"
	KindLoadModel     OpKind = "LOAD_MODEL"
	KindInfer         OpKind = "INFER"
	KindTrain         OpKind = "TRAIN"
	KindRunJob        OpKind = "RUN_JOB"
	KindCall          OpKind = "CALL"
	KindRunAgent      OpKind = "RUN_AGENT"
	KindAskAI         OpKind = "ASK_AI"
	KindAPXExec       OpKind = "APX_EXEC"
	KindBuildVPKG     OpKind = "BUILD_VPKG"
	KindDeployService OpKind = "DEPLOY_SERVICE"
	KindOutput        OpKind = "OUTPUT"
	KindOutputText    OpKind = "OUTPUT_TEXT"
	KindStore         OpKind = "STORE"
	KindCustom        OpKind = "CUSTOM"
)

// opVersions pins the semantic version of each operation; bump on behavior change.
var opVersions = map[OpKind]string{
	KindLoadCSV:       "1.0",
	KindLoadJSON:      "1.1",
	KindLoadTable:     "1.1",
	KindFilter:        "1.1",
	KindMap:           "1.0",
	KindGroupAgg:      "1.1",
	KindJoin:          "1.0",
	KindSort:          "1.0",
	KindTake:          "1.0",
	KindLoadModel:     "0.1",
	KindInfer:         "0.1",
	KindTrain:         "0.1",
	KindRunJob:        "1.0",
	KindCall:          "1.0",
	KindRunAgent:      "1.0",
	KindAskAI:         "1.0",
	KindAPXExec:       "1.0",
	KindBuildVPKG:     "1.0",
	KindDeployService: "1.0",
	KindOutput:        "1.0",
	KindOutputText:    "1.0",
	KindStore:         "1.0",
	KindCustom:        "0.0",
}

// OpName returns the versioned operation name, e.g. "FILTER@1.1".
func OpName(kind OpKind) string {
	v, ok := opVersions[kind]
	if !ok {
		v = "0.0"
	}
	return string(kind) + "@" + v
}

// OpConfig is the closed set of operation configurations. Only types in this
// package implement it.
type OpConfig interface {
	Kind() OpKind
	isOpConfig()
}

// Condition is a FILTER predicate. Either Field/Op/Value (simple comparison)
// or Expression (compound CEL expression) is set.
type Condition struct {
	Field      string `json:"field,omitempty"`
	Op         string `json:"op,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// Aggregation is one aggregate column of a GROUP_AGG step.
type Aggregation struct {
	Fn    string `json:"fn"`
	Field string `json:"field,omitempty"`
	Alias string `json:"alias"`
}

// MapField is one computed field of a MAP step.
type MapField struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

type LoadCSVConfig struct {
	Input string `json:"input"`
}

type LoadJSONConfig struct {
	Input    string `json:"input"`
	Selector string `json:"selector,omitempty"`
}

type LoadTableConfig struct {
	Table string `json:"table"`
}

type FilterConfig struct {
	Source    string    `json:"source"`
	Condition Condition `json:"condition"`
}

type MapConfig struct {
	Source string     `json:"source"`
	Fields []MapField `json:"fields"`
}

type GroupAggConfig struct {
	Source       string        `json:"source"`
	GroupBy      string        `json:"groupBy"`
	Aggregations []Aggregation `json:"aggregations"`
}

type JoinConfig struct {
	Left     string `json:"left"`
	Right    string `json:"right"`
	LeftKey  string `json:"leftKey"`
	RightKey string `json:"rightKey"`
}

type SortConfig struct {
	Source     string `json:"source"`
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type TakeConfig struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

type LoadModelConfig struct {
	Model string `json:"model"`
}

type InferConfig struct {
	Model  string `json:"model"`
	Source string `json:"source"`
}

type TrainConfig struct {
	Model  string `json:"model"`
	Source string `json:"source"`
	Params any    `json:"params,omitempty"`
}

type RunJobConfig struct {
	Job     string `json:"job"`
	Payload any    `json:"payload,omitempty"`
}

// CallConfig invokes another plan of the same project.
type CallConfig struct {
	Target  string `json:"target"`
	Payload any    `json:"payload,omitempty"`
}

type RunAgentConfig struct {
	Agent   string `json:"agent"`
	Payload any    `json:"payload,omitempty"`
}

type AskAIConfig struct {
	Prompt  any `json:"prompt"`
	Payload any `json:"payload,omitempty"`
}

type APXExecConfig struct {
	Target  string `json:"target"`
	Payload any    `json:"payload,omitempty"`
}

type BuildVPKGConfig struct {
	ManifestRef string `json:"manifestRef"`
}

type DeployServiceConfig struct {
	ServiceName string `json:"serviceName"`
	VPKGRef     string `json:"vpkgRef"`
	Payload     any    `json:"payload,omitempty"`
}

type OutputConfig struct {
	Source string `json:"source"`
	Label  string `json:"label"`
}

type OutputTextConfig struct {
	Value any `json:"value"`
}

type StoreConfig struct {
	Source string `json:"source"`
	Table  string `json:"table"`
}

// CustomConfig carries an operation the parser did not recognize.
type CustomConfig struct {
	Name string `json:"name"`
	Raw  string `json:"raw,omitempty"`
}

func (LoadCSVConfig) Kind() OpKind       { return KindLoadCSV }
func (LoadJSONConfig) Kind() OpKind      { return KindLoadJSON }
func (LoadTableConfig) Kind() OpKind     { return KindLoadTable }
func (FilterConfig) Kind() OpKind        { return KindFilter }
func (MapConfig) Kind() OpKind           { return KindMap }
func (GroupAggConfig) Kind() OpKind      { return KindGroupAgg }
func (JoinConfig) Kind() OpKind          { return KindJoin }
func (SortConfig) Kind() OpKind          { return KindSort }
func (TakeConfig) Kind() OpKind          { return KindTake }
func (LoadModelConfig) Kind() OpKind     { return KindLoadModel }
func (InferConfig) Kind() OpKind         { return KindInfer }
func (TrainConfig) Kind() OpKind         { return KindTrain }
func (RunJobConfig) Kind() OpKind        { return KindRunJob }
func (CallConfig) Kind() OpKind          { return KindCall }
func (RunAgentConfig) Kind() OpKind      { return KindRunAgent }
func (AskAIConfig) Kind() OpKind         { return KindAskAI }
func (APXExecConfig) Kind() OpKind       { return KindAPXExec }
func (BuildVPKGConfig) Kind() OpKind     { return KindBuildVPKG }
func (DeployServiceConfig) Kind() OpKind { return KindDeployService }
func (OutputConfig) Kind() OpKind        { return KindOutput }
func (OutputTextConfig) Kind() OpKind    { return KindOutputText }
func (StoreConfig) Kind() OpKind         { return KindStore }
func (CustomConfig) Kind() OpKind        { return KindCustom }

func (LoadCSVConfig) isOpConfig()       {}
func (LoadJSONConfig) isOpConfig()      {}
func (LoadTableConfig) isOpConfig()     {}
func (FilterConfig) isOpConfig()        {}
func (MapConfig) isOpConfig()           {}
func (GroupAggConfig) isOpConfig()      {}
func (JoinConfig) isOpConfig()          {}
func (SortConfig) isOpConfig()          {}
func (TakeConfig) isOpConfig()          {}
func (LoadModelConfig) isOpConfig()     {}
func (InferConfig) isOpConfig()         {}
func (TrainConfig) isOpConfig()         {}
func (RunJobConfig) isOpConfig()        {}
func (CallConfig) isOpConfig()          {}
func (RunAgentConfig) isOpConfig()      {}
func (AskAIConfig) isOpConfig()         {}
func (APXExecConfig) isOpConfig()       {}
func (BuildVPKGConfig) isOpConfig()     {}
func (DeployServiceConfig) isOpConfig() {}
func (OutputConfig) isOpConfig()        {}
func (OutputTextConfig) isOpConfig()    {}
func (StoreConfig) isOpConfig()         {}
func (CustomConfig) isOpConfig()        {}

// newConfig returns a zero config pointer for kind, used when decoding.
func newConfig(kind OpKind) (OpConfig, bool) {
	switch kind {
	case KindLoadCSV:
		return &LoadCSVConfig{}, true
	case KindLoadJSON:
		return &LoadJSONConfig{}, true
	case KindLoadTable:
		return &LoadTableConfig{}, true
	case KindFilter:
		return &FilterConfig{}, true
	case KindMap:
		return &MapConfig{}, true
	case KindGroupAgg:
		return &GroupAggConfig{}, true
	case KindJoin:
		return &JoinConfig{}, true
	case KindSort:
		return &SortConfig{}, true
	case KindTake:
		return &TakeConfig{}, true
	case KindLoadModel:
		return &LoadModelConfig{}, true
	case KindInfer:
		return &InferConfig{}, true
	case KindTrain:
		return &TrainConfig{}, true
	case KindRunJob:
		return &RunJobConfig{}, true
	case KindCall:
		return &CallConfig{}, true
	case KindRunAgent:
		return &RunAgentConfig{}, true
	case KindAskAI:
		return &AskAIConfig{}, true
	case KindAPXExec:
		return &APXExecConfig{}, true
	case KindBuildVPKG:
		return &BuildVPKGConfig{}, true
	case KindDeployService:
		return &DeployServiceConfig{}, true
	case KindOutput:
		return &OutputConfig{}, true
	case KindOutputText:
		return &OutputTextConfig{}, true
	case KindStore:
		return &StoreConfig{}, true
	case KindCustom:
		return &CustomConfig{}, true
	}
	return nil, false
}

// MarshalConfig encodes cfg as a JSON object with a "kind" discriminant.
func MarshalConfig(cfg OpConfig) (json.RawMessage, error) {
	if cfg == nil {
		return json.RawMessage("null"), nil
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(cfg.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// UnmarshalConfig decodes a config produced by MarshalConfig. Configs are
// returned by value so callers can type-switch on the concrete struct.
func UnmarshalConfig(data []byte) (OpConfig, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var head struct {
		Kind OpKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	ptr, ok := newConfig(head.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown operation kind %q", head.Kind)
	}
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", head.Kind, err)
	}
	return derefConfig(ptr), nil
}

func derefConfig(ptr OpConfig) OpConfig {
	switch c := ptr.(type) {
	case *LoadCSVConfig:
		return *c
	case *LoadJSONConfig:
		return *c
	case *LoadTableConfig:
		return *c
	case *FilterConfig:
		return *c
	case *MapConfig:
		return *c
	case *GroupAggConfig:
		return *c
	case *JoinConfig:
		return *c
	case *SortConfig:
		return *c
	case *TakeConfig:
		return *c
	case *LoadModelConfig:
		return *c
	case *InferConfig:
		return *c
	case *TrainConfig:
		return *c
	case *RunJobConfig:
		return *c
	case *CallConfig:
		return *c
	case *RunAgentConfig:
		return *c
	case *AskAIConfig:
		return *c
	case *APXExecConfig:
		return *c
	case *BuildVPKGConfig:
		return *c
	case *DeployServiceConfig:
		return *c
	case *OutputConfig:
		return *c
	case *OutputTextConfig:
		return *c
	case *StoreConfig:
		return *c
	case *CustomConfig:
		return *c
	}
	return ptr
}
