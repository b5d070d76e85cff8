// Package diagram renders workflow definitions as state diagrams, optionally
// overlaid with the progress of one instance.
package diagram

// NodeKind classifies a state in the diagram.
type NodeKind string

const (
	NodeKindInitial NodeKind = "initial"
	NodeKindState   NodeKind = "state"
	NodeKindFinal   NodeKind = "final"
)

// Overlay statuses.
const (
	StatusCurrent   = "current"
	StatusVisited   = "visited"
	StatusPaused    = "paused"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one workflow state.
type Node struct {
	ID      string
	Kind    NodeKind
	Actions []string
	Status  *StatusOverlay
}

// StatusOverlay carries runtime progress for a state.
type StatusOverlay struct {
	Status   string
	Runs     int // action executions recorded in this state
	Failures int
}

// Edge is a declared transition.
type Edge struct {
	From   string
	To     string
	Label  string
	Guards []string
}
