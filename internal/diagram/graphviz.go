package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// ImageFormat is an output format supported by RenderImage.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
	FormatDOT ImageFormat = "dot"
)

// RenderImage lays the model out with graphviz and renders it as format.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	case FormatDOT:
		gvFormat = graphviz.XDOT
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		n, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		n.SetLabel(node.Label)
		applyNodeStyle(n, node)
		gvNodes[node.ID] = n
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func applyNodeStyle(n *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindInput:
		n.SetShape(cgraph.ParallelogramShape)
	case NodeKindLoad:
		n.SetShape(cgraph.CylinderShape)
	case NodeKindModel:
		n.SetShape(cgraph.HexagonShape)
	case NodeKindExternal:
		n.SetShape(cgraph.Box3DShape)
	case NodeKindOutput:
		n.SetShape(cgraph.NoteShape)
	case NodeKindStart, NodeKindEnd:
		n.SetShape(cgraph.CircleShape)
		n.SetWidth(0.5)
		n.SetHeight(0.5)
	default:
		n.SetShape(cgraph.BoxShape)
	}

	if node.Status != nil {
		applyStatusColor(n, node.Status.Status)
	}
}

func applyStatusColor(n *cgraph.Node, status string) {
	n.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		n.SetFillColor("#2d6a2d")
		n.SetFontColor("white")
	case "failed":
		n.SetFillColor("#8b1a1a")
		n.SetFontColor("white")
	case "running":
		n.SetFillColor("#1a5276")
		n.SetFontColor("white")
	case "pending", "scheduled":
		n.SetFillColor("#d3d3d3")
		n.SetFontColor("black")
	}
}
