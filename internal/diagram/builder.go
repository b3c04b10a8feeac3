package diagram

import (
	"fmt"
	"slices"

	"github.com/rendis/voike/internal/store"
	"github.com/rendis/voike/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a compiled plan and optional step
// states from a replayed run. Declared inputs become nodes of their own so
// the data they feed is visible.
func Build(plan *schema.Plan, states []*store.StepState) (*DiagramModel, error) {
	if plan == nil || plan.AST == nil {
		return nil, fmt.Errorf("diagram: plan is nil")
	}

	stateMap := make(map[string]*store.StepState, len(states))
	for _, s := range states {
		stateMap[s.Step] = s
	}

	nodes := make([]*Node, 0, len(plan.AST.Inputs)+len(plan.Graph.Nodes)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	inputIDs := make(map[string]string, len(plan.AST.Inputs))
	for _, in := range plan.AST.Inputs {
		id := "input:" + in.Name
		inputIDs[in.Name] = id
		nodes = append(nodes, &Node{ID: id, Label: fmt.Sprintf("%s\n(%s)", in.Name, in.Type), Kind: NodeKindInput})
	}

	for i := range plan.Graph.Nodes {
		pn := &plan.Graph.Nodes[i]
		node := &Node{
			ID:    pn.ID,
			Label: fmt.Sprintf("%s\n(%s)", pn.Meta.StepName, pn.Op),
			Kind:  opKind(pn.Meta.Config),
		}
		overlayStatus(node, stateMap[pn.Meta.StepName])
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	edges, levels := layout(plan, inputIDs)
	return &DiagramModel{
		Title:  titleFromPlan(plan),
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

func opKind(cfg schema.OpConfig) NodeKind {
	if cfg == nil {
		return NodeKindCustom
	}
	switch cfg.Kind() {
	case schema.KindLoadCSV, schema.KindLoadJSON, schema.KindLoadTable:
		return NodeKindLoad
	case schema.KindFilter, schema.KindMap, schema.KindGroupAgg, schema.KindJoin, schema.KindSort, schema.KindTake:
		return NodeKindTransform
	case schema.KindLoadModel, schema.KindInfer, schema.KindTrain:
		return NodeKindModel
	case schema.KindRunJob, schema.KindCall, schema.KindRunAgent, schema.KindAskAI,
		schema.KindAPXExec, schema.KindBuildVPKG, schema.KindDeployService:
		return NodeKindExternal
	case schema.KindOutput, schema.KindOutputText, schema.KindStore:
		return NodeKindOutput
	default:
		return NodeKindCustom
	}
}

func overlayStatus(node *Node, ss *store.StepState) {
	if ss == nil {
		return
	}
	node.Status = &StatusOverlay{
		Status:     string(ss.Status),
		DurationMs: ss.DurationMs,
		Error:      string(ss.Error),
	}
}

// layout derives edges and levels. A node's level is one past the deepest
// of its producers; roots hang off the virtual start node and nodes nothing
// consumes feed the virtual end node.
func layout(plan *schema.Plan, inputIDs map[string]string) ([]Edge, [][]string) {
	var edges []Edge
	depth := make(map[string]int, len(plan.Graph.Nodes)+len(inputIDs))
	consumed := make(map[string]bool)

	for _, in := range plan.AST.Inputs {
		id := inputIDs[in.Name]
		edges = append(edges, Edge{From: startID, To: id})
		depth[id] = 0
	}

	producer := make(map[string]string, len(plan.Graph.Nodes))
	for _, pn := range plan.Graph.Nodes {
		for _, out := range pn.Outputs {
			producer[out] = pn.ID
		}
	}

	maxDepth := 0
	for _, pn := range plan.Graph.Nodes {
		d := 0
		linked := false
		for _, in := range linkedNames(pn) {
			from, ok := producer[in]
			if !ok {
				from, ok = inputIDs[in]
			}
			if !ok {
				continue
			}
			linked = true
			consumed[from] = true
			edges = append(edges, Edge{From: from, To: pn.ID, Label: in})
			if depth[from]+1 > d {
				d = depth[from] + 1
			}
		}
		if !linked {
			edges = append(edges, Edge{From: startID, To: pn.ID})
		}
		depth[pn.ID] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	for _, pn := range plan.Graph.Nodes {
		if !consumed[pn.ID] {
			edges = append(edges, Edge{From: pn.ID, To: endID})
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, in := range plan.AST.Inputs {
		levels[0] = append(levels[0], inputIDs[in.Name])
	}
	for _, pn := range plan.Graph.Nodes {
		levels[depth[pn.ID]] = append(levels[depth[pn.ID]], pn.ID)
	}

	out := make([][]string, 0, len(levels)+2)
	out = append(out, []string{startID})
	out = append(out, levels...)
	out = append(out, []string{endID})
	return edges, out
}

// linkedNames lists what a node consumes: its dependencies plus the plan
// inputs it reads by name, which are not dependencies.
func linkedNames(pn schema.PlanNode) []string {
	names := append([]string(nil), pn.Inputs...)
	for _, r := range schema.RefsOf(pn.Meta.Config).Reads {
		if !slices.Contains(names, r) {
			names = append(names, r)
		}
	}
	return names
}

func titleFromPlan(plan *schema.Plan) string {
	if plan.AST.Title != "" {
		return plan.AST.Title
	}
	return "Flow"
}
