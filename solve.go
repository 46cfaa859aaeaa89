package reactctrl

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// PoseControl selects which parts of the end-effector pose are tracked.
type PoseControl int

const (
	PoseXYZ PoseControl = iota
	PoseFull
)

func (p PoseControl) String() string {
	if p == PoseFull {
		return "full"
	}
	return "xyz"
}

// ParsePoseControl maps a config string to a PoseControl. Empty means xyz.
func ParsePoseControl(s string) (PoseControl, error) {
	switch s {
	case "", "xyz":
		return PoseXYZ, nil
	case "full":
		return PoseFull, nil
	default:
		return PoseXYZ, fmt.Errorf("pose_control must be 'xyz' or 'full', got '%s'", s)
	}
}

// PosePriority selects which part of a full pose dominates the primary task.
type PosePriority int

const (
	PriorityPosition PosePriority = iota
	PriorityOrientation
)

func (p PosePriority) String() string {
	if p == PriorityOrientation {
		return "orientation"
	}
	return "position"
}

// ParsePosePriority maps a config string to a PosePriority. Empty means position.
func ParsePosePriority(s string) (PosePriority, error) {
	switch s {
	case "", "position":
		return PriorityPosition, nil
	case "orientation":
		return PriorityOrientation, nil
	default:
		return PriorityPosition, fmt.Errorf("pose_priority must be 'position' or 'orientation', got '%s'", s)
	}
}

// weights returns the position and orientation row weights for the primary task.
func (p PosePriority) weights() (position, orientation float64) {
	if p == PriorityOrientation {
		return 0.1, 1
	}
	return 1, 0.1
}

// PoseTask asks a point on a sub-chain to reach Target. The sub-chain drives
// the first Chain.DoF() joints of the full configuration.
type PoseTask struct {
	Chain   Chain
	Target  r3.Vector
	Weights r3.Vector
	Weight  float64
}

// Enabled reports whether the task contributes to the solve.
func (t *PoseTask) Enabled() bool {
	return t != nil && t.Chain != nil && t.Weight > 0
}

// PostureTask pulls the configuration toward Target joint by joint.
type PostureTask struct {
	Target  []float64
	Weights []float64
	Weight  float64
}

// Enabled reports whether the task contributes to the solve.
func (t *PostureTask) Enabled() bool {
	return t != nil && t.Weight > 0 && len(t.Target) > 0
}

// Scaling rescales the problem before solving. Objective multiplies the
// residual, Variables multiplies the joint step.
type Scaling struct {
	Enabled   bool
	Objective float64
	Variables float64
}

func (s Scaling) factors() (objective, variables float64) {
	if !s.Enabled {
		return 1, 1
	}
	objective, variables = s.Objective, s.Variables
	if objective <= 0 {
		objective = 1
	}
	if variables <= 0 {
		variables = 1
	}
	return objective, variables
}

// SolveOptions are the numeric knobs passed with every request.
type SolveOptions struct {
	MaxIter      int
	Tol          float64
	UseHessian   bool
	PoseControl  PoseControl
	PosePriority PosePriority
	Scaling      Scaling
}

// SolveRequest is one inverse kinematics problem, built fresh every tick.
type SolveRequest struct {
	Q0        []float64
	Target    spatialmath.Pose
	Secondary *PoseTask
	Tertiary  *PostureTask
	Options   SolveOptions
	// Halt is polled between iterations; a set flag ends the solve with
	// CodeUserRequestedStop.
	Halt *atomic.Bool
}

func (r *SolveRequest) halted(ctx context.Context) bool {
	if r.Halt != nil && r.Halt.Load() {
		return true
	}
	return ctx.Err() != nil
}

// SolveResult is the candidate configuration and why the solver stopped.
type SolveResult struct {
	Q          []float64
	Code       TerminationCode
	Iterations int
}

// Solver computes joint configurations reaching a target pose.
type Solver interface {
	Solve(ctx context.Context, req *SolveRequest) SolveResult
}

// solveVerdict is a classified result as seen by the control cycle.
type solveVerdict struct {
	Result  SolveResult
	Outcome SolveOutcome
	Detail  string
}

// orchestrator builds requests from the current state and interprets what
// the solver returns.
type orchestrator struct {
	solver    Solver
	options   SolveOptions
	secondary *PoseTask
	tertiary  *PostureTask
	halt      *atomic.Bool
}

func (o *orchestrator) request(state KinematicState, target spatialmath.Pose) *SolveRequest {
	req := &SolveRequest{
		Q0:      state.copyQ(),
		Target:  target,
		Options: o.options,
		Halt:    o.halt,
	}
	if o.secondary.Enabled() {
		secondary := *o.secondary
		req.Secondary = &secondary
	}
	if o.tertiary.Enabled() {
		req.Tertiary = &PostureTask{
			Target:  append([]float64(nil), o.tertiary.Target...),
			Weights: append([]float64(nil), o.tertiary.Weights...),
			Weight:  o.tertiary.Weight,
		}
	}
	return req
}

// Solve runs one solve from state toward target and classifies the result.
func (o *orchestrator) Solve(ctx context.Context, state KinematicState, target spatialmath.Pose) solveVerdict {
	res := o.solver.Solve(ctx, o.request(state, target))
	verdict := solveVerdict{Result: res, Outcome: Classify(res.Code)}
	if verdict.Outcome == OutcomeRejected || verdict.Outcome == OutcomeCancelled {
		verdict.Detail = fmt.Sprintf("solver stopped with %s after %d iterations", res.Code, res.Iterations)
		return verdict
	}

	// a usable code with an unusable vector is still a rejection
	if len(res.Q) != len(state.Q) {
		verdict.Outcome = OutcomeRejected
		verdict.Detail = fmt.Sprintf("solver returned %d joints for a %d joint chain", len(res.Q), len(state.Q))
		return verdict
	}
	for i, v := range res.Q {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			verdict.Outcome = OutcomeRejected
			verdict.Detail = fmt.Sprintf("solver returned a non-finite value for joint %d", i)
			return verdict
		}
	}
	if verdict.Outcome == OutcomeBestEffort {
		verdict.Detail = fmt.Sprintf("solver did not converge (%s after %d iterations)", res.Code, res.Iterations)
	}
	return verdict
}
