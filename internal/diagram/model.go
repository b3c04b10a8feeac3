package diagram

// NodeKind classifies a diagram node by the family of its operation.
type NodeKind string

const (
	NodeKindInput     NodeKind = "input"
	NodeKindLoad      NodeKind = "load"
	NodeKindTransform NodeKind = "transform"
	NodeKindModel     NodeKind = "model"
	NodeKindExternal  NodeKind = "external"
	NodeKindOutput    NodeKind = "output"
	NodeKindCustom    NodeKind = "custom"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is a plan step, a declared input, or a virtual start/end marker.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from store.StepStatus
	DurationMs int64
	Error      string
}

// Edge is a data dependency; Label names the value that flows along it.
type Edge struct {
	From  string
	To    string
	Label string
}
