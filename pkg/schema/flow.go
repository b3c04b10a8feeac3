package schema

import (
	"encoding/json"
	"time"
)

// FlowAST is the parsed form of a FLOW script.
type FlowAST struct {
	Title  string      `json:"title,omitempty"`
	Inputs []InputDecl `json:"inputs,omitempty"`
	Steps  []Step      `json:"steps"`
}

// InputDecl is one entry of the INPUTS block.
type InputDecl struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Line int    `json:"line,omitempty"`
}

// Step is a single STEP declaration. DependsOn is empty until the AST has
// been normalized.
type Step struct {
	Name      string   `json:"name"`
	Op        OpKind   `json:"op"`
	Body      []string `json:"body"`
	StartLine int      `json:"startLine"`
	Config    OpConfig `json:"-"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

type stepJSON struct {
	Name      string          `json:"name"`
	Op        OpKind          `json:"op"`
	Body      []string        `json:"body"`
	StartLine int             `json:"startLine"`
	Config    json.RawMessage `json:"config,omitempty"`
	DependsOn []string        `json:"dependsOn,omitempty"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	cfg, err := MarshalConfig(s.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stepJSON{
		Name: s.Name, Op: s.Op, Body: s.Body, StartLine: s.StartLine,
		Config: cfg, DependsOn: s.DependsOn,
	})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := UnmarshalConfig(raw.Config)
	if err != nil {
		return err
	}
	*s = Step{
		Name: raw.Name, Op: raw.Op, Body: raw.Body, StartLine: raw.StartLine,
		Config: cfg, DependsOn: raw.DependsOn,
	}
	return nil
}

// InputNames returns the declared input names in declaration order.
func (a *FlowAST) InputNames() []string {
	names := make([]string, 0, len(a.Inputs))
	for _, in := range a.Inputs {
		names = append(names, in.Name)
	}
	return names
}

// NodeKindFlowOp is the only node kind produced by the plan builder.
const NodeKindFlowOp = "FLOW_OP"

// Plan is an immutable compiled FLOW script.
type Plan struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	ContentHash string    `json:"contentHash,omitempty"`
	Source      string    `json:"source,omitempty"`
	AST         *FlowAST  `json:"ast"`
	Graph       PlanGraph `json:"graph"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PlanGraph holds the DAG. Nodes are stored in a valid topological order.
type PlanGraph struct {
	Nodes []PlanNode `json:"nodes"`
	Edges []PlanEdge `json:"edges"`
}

// PlanNode is one executable operation.
type PlanNode struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	Op      string   `json:"op"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
	Meta    NodeMeta `json:"meta"`
}

// NodeMeta carries the source position and normalized config of a node.
type NodeMeta struct {
	StepName  string   `json:"stepName"`
	StartLine int      `json:"startLine"`
	Config    OpConfig `json:"-"`
}

type nodeMetaJSON struct {
	StepName  string          `json:"stepName"`
	StartLine int             `json:"startLine"`
	Config    json.RawMessage `json:"config"`
}

func (m NodeMeta) MarshalJSON() ([]byte, error) {
	cfg, err := MarshalConfig(m.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeMetaJSON{StepName: m.StepName, StartLine: m.StartLine, Config: cfg})
}

func (m *NodeMeta) UnmarshalJSON(data []byte) error {
	var raw nodeMetaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := UnmarshalConfig(raw.Config)
	if err != nil {
		return err
	}
	*m = NodeMeta{StepName: raw.StepName, StartLine: raw.StartLine, Config: cfg}
	return nil
}

// Output returns the node's sole output name.
func (n *PlanNode) Output() string {
	if len(n.Outputs) == 0 {
		return n.Meta.StepName
	}
	return n.Outputs[0]
}

// PlanEdge is a derived producer→consumer link, kept for visualization.
type PlanEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Via  string `json:"via"`
}

// DeriveEdges rebuilds the edge list from node inputs and outputs. Inputs that
// name plan inputs rather than a producing node yield no edge.
func DeriveEdges(nodes []PlanNode) []PlanEdge {
	producers := make(map[string]string, len(nodes))
	for _, n := range nodes {
		for _, out := range n.Outputs {
			producers[out] = n.ID
		}
	}
	edges := make([]PlanEdge, 0, len(nodes))
	for _, n := range nodes {
		for _, in := range n.Inputs {
			if from, ok := producers[in]; ok {
				edges = append(edges, PlanEdge{From: from, To: n.ID, Via: in})
			}
		}
	}
	return edges
}

// ExecMode selects how a plan is executed.
type ExecMode string

const (
	ModeAuto  ExecMode = "auto"
	ModeSync  ExecMode = "sync"
	ModeAsync ExecMode = "async"
)

// ParseExecMode maps a user-supplied string to an ExecMode; "" means auto.
func ParseExecMode(s string) (ExecMode, error) {
	switch ExecMode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	}
	return "", NewErrorf(ErrCodeValidation, "invalid execution mode %q: expected auto, sync or async", s)
}

// ExecutionResult is the outcome of a single execute call.
type ExecutionResult struct {
	Mode    ExecMode       `json:"mode"`
	Outputs map[string]any `json:"outputs"`
	Metrics Metrics        `json:"metrics"`
	JobID   string         `json:"jobId,omitempty"`
}

// Metrics describes an execution. ScheduledAt and NodeCount are only set for
// async tickets.
type Metrics struct {
	ElapsedMs     int64      `json:"elapsedMs"`
	NodesExecuted int        `json:"nodesExecuted"`
	GeneratedAt   time.Time  `json:"generatedAt"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	NodeCount     int        `json:"nodeCount,omitempty"`
}
