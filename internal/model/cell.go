package model

// Cell status constants.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing edges; a re-run replaces the record instead.
var validTransitions = map[string]map[string]bool{
	StatusIdle: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusError:     true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is completed or error.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// CellState is the observable record of one execution task.
type CellState struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result any    `json:"result"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Clone returns a copy of the state. Result is shared, it is never mutated
// after being set.
func (c *CellState) Clone() CellState {
	return *c
}
