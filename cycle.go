package reactctrl

import "fmt"

// CycleState is the control cycle's position in a tracking episode.
type CycleState int

const (
	StateIdle CycleState = iota
	StateInitializing
	StateTracking
	StateConverged
	StateFaulted
)

func (s CycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateTracking:
		return "tracking"
	case StateConverged:
		return "converged"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// moving reports whether velocity commands may be in flight in this state.
func (s CycleState) moving() bool {
	return s == StateInitializing || s == StateTracking
}

// cycleState is owned by the control worker and never shared.
type cycleState struct {
	state    CycleState
	step     int
	failures int
	lastCode TerminationCode
	hasCode  bool
	isTask   bool
	reason   string
}

// transition moves to next and records why. It returns the previous state.
func (c *cycleState) transition(next CycleState, reason string) CycleState {
	prev := c.state
	c.state = next
	c.reason = reason
	switch next {
	case StateInitializing:
		c.step = 0
		c.isTask = true
		c.hasCode = false
	case StateConverged, StateFaulted, StateIdle:
		c.isTask = false
	}
	return prev
}

func (c *cycleState) recordCode(code TerminationCode) {
	c.lastCode = code
	c.hasCode = true
}
