package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/rendis/voike/pkg/schema"
)

// Normalize returns a copy of ast with every step's DependsOn filled in.
//
// Explicit dependencies come from the operation config: sources must resolve
// (and are kept even when unknown so BuildPlan can report them), soft
// references only count when their root segment names an earlier step or a
// declared input. A step with no dependency that is not the first step
// depends on the step immediately before it.
func Normalize(ast *schema.FlowAST) *schema.FlowAST {
	out := &schema.FlowAST{
		Title:  ast.Title,
		Inputs: append([]schema.InputDecl(nil), ast.Inputs...),
		Steps:  make([]schema.Step, len(ast.Steps)),
	}

	known := make(map[string]bool, len(ast.Inputs)+len(ast.Steps))
	for _, in := range ast.Inputs {
		known[in.Name] = true
	}

	for i, step := range ast.Steps {
		refs := schema.RefsOf(step.Config)
		seen := make(map[string]bool)
		deps := make([]string, 0, len(refs.Sources)+len(refs.Soft))
		add := func(name string) {
			if name == "" || seen[name] {
				return
			}
			seen[name] = true
			deps = append(deps, name)
		}

		for _, src := range refs.Sources {
			add(src)
		}
		for _, soft := range refs.Soft {
			if root := schema.RootSegment(soft); known[root] {
				add(root)
			}
		}
		if len(deps) == 0 && i > 0 {
			add(ast.Steps[i-1].Name)
		}

		step.Body = append([]string(nil), step.Body...)
		step.DependsOn = deps
		out.Steps[i] = step
		known[step.Name] = true
	}
	return out
}

// BuildPlan compiles an AST into a plan for projectID. The AST is normalized
// first; BuildPlan itself only resolves names and builds the graph.
//
// Dependencies may only name steps declared earlier or plan inputs, so the
// graph is acyclic by construction and nodes are stored in topological order.
func BuildPlan(ast *schema.FlowAST, projectID string) (*schema.Plan, error) {
	if ast == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow AST is nil")
	}
	if len(ast.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow has no steps")
	}

	norm := Normalize(ast)

	inputNames := make(map[string]bool, len(norm.Inputs))
	for _, in := range norm.Inputs {
		inputNames[in.Name] = true
	}
	producedSteps := make(map[string]string, len(norm.Steps))

	nodes := make([]schema.PlanNode, 0, len(norm.Steps))
	edges := make([]schema.PlanEdge, 0, len(norm.Steps))

	for _, step := range norm.Steps {
		if _, dup := producedSteps[step.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name %q", step.Name).WithStep(step.Name)
		}

		for _, dep := range step.DependsOn {
			if _, ok := producedSteps[dep]; ok {
				continue
			}
			if inputNames[dep] {
				continue
			}
			return nil, schema.NewErrorf(schema.ErrCodeDependency, "unknown dependency %q", dep).
				WithStep(step.Name).
				WithDetails(map[string]any{"step": step.Name, "dependency": dep, "line": step.StartLine})
		}

		nodeID := "step:" + step.Name
		node := schema.PlanNode{
			ID:      nodeID,
			Kind:    schema.NodeKindFlowOp,
			Op:      schema.OpName(step.Op),
			Inputs:  step.DependsOn,
			Outputs: []string{step.Name},
			Meta: schema.NodeMeta{
				StepName:  step.Name,
				StartLine: step.StartLine,
				Config:    step.Config,
			},
		}
		for _, dep := range step.DependsOn {
			if from, ok := producedSteps[dep]; ok {
				edges = append(edges, schema.PlanEdge{From: from, To: nodeID, Via: dep})
			}
		}
		nodes = append(nodes, node)
		producedSteps[step.Name] = nodeID
	}

	return &schema.Plan{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		AST:       norm,
		Graph:     schema.PlanGraph{Nodes: nodes, Edges: edges},
		CreatedAt: time.Now().UTC(),
	}, nil
}
