package reactctrl

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
)

func TestDLSSolverCartesian(t *testing.T) {
	for _, useHessian := range []bool{true, false} {
		chain := cartesianChain(1000)
		opts := defaultOptions()
		opts.UseHessian = useHessian
		opts.MaxIter = 100

		res := NewDLSSolver(chain).Solve(context.Background(), &SolveRequest{
			Q0:      []float64{0, 0, 0},
			Target:  spatialmath.NewPoseFromPoint(r3.Vector{X: 10, Y: 20, Z: 30}),
			Options: opts,
		})
		require.Equal(t, CodeSuccess, res.Code, "hessian=%v", useHessian)
		assert.InDelta(t, 10, res.Q[0], 1e-3)
		assert.InDelta(t, 20, res.Q[1], 1e-3)
		assert.InDelta(t, 30, res.Q[2], 1e-3)
	}
}

func TestDLSSolverAlreadyThere(t *testing.T) {
	res := NewDLSSolver(cartesianChain(1000)).Solve(context.Background(), &SolveRequest{
		Q0:      []float64{1, 2, 3},
		Target:  spatialmath.NewPoseFromPoint(r3.Vector{X: 1, Y: 2, Z: 3}),
		Options: defaultOptions(),
	})
	assert.Equal(t, CodeSuccess, res.Code)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, []float64{1, 2, 3}, res.Q)
}

func TestDLSSolverHalt(t *testing.T) {
	var halt atomic.Bool
	halt.Store(true)
	res := NewDLSSolver(cartesianChain(1000)).Solve(context.Background(), &SolveRequest{
		Q0:      []float64{0, 0, 0},
		Target:  spatialmath.NewPoseFromPoint(r3.Vector{X: 10}),
		Options: defaultOptions(),
		Halt:    &halt,
	})
	assert.Equal(t, CodeUserRequestedStop, res.Code)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, OutcomeCancelled, Classify(res.Code))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = NewDLSSolver(cartesianChain(1000)).Solve(ctx, &SolveRequest{
		Q0:      []float64{0, 0, 0},
		Target:  spatialmath.NewPoseFromPoint(r3.Vector{X: 10}),
		Options: defaultOptions(),
	})
	assert.Equal(t, CodeUserRequestedStop, res.Code)
}

func TestDLSSolverDegenerateRequests(t *testing.T) {
	empty := &pointChain{point: func([]float64) r3.Vector { return r3.Vector{} }}
	res := NewDLSSolver(empty).Solve(context.Background(), &SolveRequest{
		Target:  spatialmath.NewZeroPose(),
		Options: defaultOptions(),
	})
	assert.Equal(t, CodeTooFewDegreesOfFreedom, res.Code)

	res = NewDLSSolver(cartesianChain(10)).Solve(context.Background(), &SolveRequest{
		Q0:      []float64{0, 0},
		Target:  spatialmath.NewZeroPose(),
		Options: defaultOptions(),
	})
	assert.Equal(t, CodeTooFewDegreesOfFreedom, res.Code)

	res = NewDLSSolver(cartesianChain(10)).Solve(context.Background(), &SolveRequest{
		Q0:      []float64{0, 0, 0},
		Options: defaultOptions(),
	})
	assert.Equal(t, CodeInternalError, res.Code)

	res = NewDLSSolver(cartesianChain(10)).Solve(context.Background(), &SolveRequest{
		Q0:       []float64{0, 0, 0},
		Target:   spatialmath.NewZeroPose(),
		Tertiary: &PostureTask{Target: []float64{0}, Weight: 1},
		Options:  defaultOptions(),
	})
	assert.Equal(t, CodeInternalError, res.Code)
}

func TestDLSSolverOutOfReach(t *testing.T) {
	res := NewDLSSolver(cartesianChain(10)).Solve(context.Background(), &SolveRequest{
		Q0:      []float64{0, 0, 0},
		Target:  spatialmath.NewPoseFromPoint(r3.Vector{X: 50}),
		Options: defaultOptions(),
	})
	assert.Equal(t, CodeLocalInfeasibility, res.Code)
	assert.Equal(t, OutcomeRejected, Classify(res.Code))
	assert.InDelta(t, 10, res.Q[0], 1e-9)
}

func TestDLSSolverIterationCap(t *testing.T) {
	opts := defaultOptions()
	opts.MaxIter = 1
	opts.Tol = 1e-12
	res := NewDLSSolver(cartesianChain(1000)).Solve(context.Background(), &SolveRequest{
		Q0:      []float64{0, 0, 0},
		Target:  spatialmath.NewPoseFromPoint(r3.Vector{X: 10, Y: 20, Z: 30}),
		Options: opts,
	})
	assert.Equal(t, CodeMaxIterExceeded, res.Code)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, OutcomeBestEffort, Classify(res.Code))
}

func TestDLSSolverPostureBalancesRedundancy(t *testing.T) {
	chain := redundantChain(100)
	target := spatialmath.NewPoseFromPoint(r3.Vector{X: 10})
	opts := defaultOptions()
	opts.Tol = 0.5
	opts.MaxIter = 200

	plain := NewDLSSolver(chain).Solve(context.Background(), &SolveRequest{
		Q0:      []float64{8, 0},
		Target:  target,
		Options: opts,
	})
	require.Equal(t, CodeSuccess, plain.Code)
	assert.Greater(t, plain.Q[0]-plain.Q[1], 5.0)

	balanced := NewDLSSolver(chain).Solve(context.Background(), &SolveRequest{
		Q0:       []float64{8, 0},
		Target:   target,
		Tertiary: &PostureTask{Target: []float64{0, 0}, Weights: []float64{1, 1}, Weight: 0.01},
		Options:  opts,
	})
	require.Equal(t, OutcomeAccepted, Classify(balanced.Code), balanced.Code.String())
	assert.InDelta(t, balanced.Q[0], balanced.Q[1], 1e-2)
	assert.InDelta(t, 10, balanced.Q[0]+balanced.Q[1], 0.5)
}

func TestDLSSolverSecondaryTask(t *testing.T) {
	// the secondary point follows joint 0 alone, so it pins joint 0 and
	// leaves joint 1 to finish the primary task
	chain := redundantChain(100)
	elbow := &pointChain{
		limits: symmetricLimits(1, 100),
		point:  func(q []float64) r3.Vector { return r3.Vector{X: q[0]} },
	}
	opts := defaultOptions()
	opts.Tol = 0.5
	opts.MaxIter = 200

	res := NewDLSSolver(chain).Solve(context.Background(), &SolveRequest{
		Q0:     []float64{0, 0},
		Target: spatialmath.NewPoseFromPoint(r3.Vector{X: 10}),
		Secondary: &PoseTask{
			Chain:   elbow,
			Target:  r3.Vector{X: 2},
			Weights: r3.Vector{X: 1, Y: 1, Z: 1},
			Weight:  1,
		},
		Options: opts,
	})
	require.Equal(t, OutcomeAccepted, Classify(res.Code), res.Code.String())
	assert.InDelta(t, 2, res.Q[0], 0.1)
	assert.InDelta(t, 8, res.Q[1], 0.1)
}

func TestDLSSolverModelChain(t *testing.T) {
	chain, err := DefaultModelChain()
	require.NoError(t, err)

	goal := []float64{
		rdkutils.DegToRad(10),
		rdkutils.DegToRad(-15),
		rdkutils.DegToRad(20),
		rdkutils.DegToRad(10),
		0,
	}
	target, err := chain.Pose(goal)
	require.NoError(t, err)

	opts := defaultOptions()
	opts.Tol = 1
	opts.MaxIter = 200
	res := NewDLSSolver(chain).Solve(context.Background(), &SolveRequest{
		Q0:      make([]float64, chain.DoF()),
		Target:  target,
		Options: opts,
	})
	require.Equal(t, OutcomeAccepted, Classify(res.Code), res.Code.String())

	reached, err := chain.Pose(res.Q)
	require.NoError(t, err)
	assert.Less(t, poseError(target, reached, PoseXYZ), 1.0)
	for i, limit := range chain.Limits() {
		assert.GreaterOrEqual(t, res.Q[i], limit.Min)
		assert.LessOrEqual(t, res.Q[i], limit.Max)
	}
}

func TestDLSSolverRespectsNarrowedLimits(t *testing.T) {
	chain := cartesianChain(1000)
	require.NoError(t, chain.SetLimits([]referenceframe.Limit{{Min: -5, Max: 5}, {Min: -1000, Max: 1000}, {Min: -1000, Max: 1000}}))
	opts := defaultOptions()
	res := NewDLSSolver(chain).Solve(context.Background(), &SolveRequest{
		Q0:      []float64{0, 0, 0},
		Target:  spatialmath.NewPoseFromPoint(r3.Vector{X: 20, Y: 20}),
		Options: opts,
	})
	assert.Equal(t, CodeLocalInfeasibility, res.Code)
	assert.LessOrEqual(t, res.Q[0], 5.0)
}
