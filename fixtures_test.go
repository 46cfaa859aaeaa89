package reactctrl

import (
	"fmt"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

// pointChain is a chain whose end-effector point is any function of q with
// identity orientation.
type pointChain struct {
	limits []referenceframe.Limit
	point  func(q []float64) r3.Vector
}

func (c *pointChain) DoF() int { return len(c.limits) }

func (c *pointChain) Limits() []referenceframe.Limit {
	return append([]referenceframe.Limit(nil), c.limits...)
}

func (c *pointChain) SetLimits(limits []referenceframe.Limit) error {
	if len(limits) != len(c.limits) {
		return fmt.Errorf("expected %d limits, got %d", len(c.limits), len(limits))
	}
	c.limits = append([]referenceframe.Limit(nil), limits...)
	return nil
}

func (c *pointChain) Pose(q []float64) (spatialmath.Pose, error) {
	if len(q) != len(c.limits) {
		return nil, fmt.Errorf("expected %d joints, got %d", len(c.limits), len(q))
	}
	return spatialmath.NewPoseFromPoint(c.point(q)), nil
}

func symmetricLimits(n int, bound float64) []referenceframe.Limit {
	limits := make([]referenceframe.Limit, n)
	for i := range limits {
		limits[i] = referenceframe.Limit{Min: -bound, Max: bound}
	}
	return limits
}

// cartesianChain maps three joints straight onto x, y and z (mm).
func cartesianChain(bound float64) *pointChain {
	return &pointChain{
		limits: symmetricLimits(3, bound),
		point: func(q []float64) r3.Vector {
			return r3.Vector{X: q[0], Y: q[1], Z: q[2]}
		},
	}
}

// redundantChain moves x by the sum of its two joints.
func redundantChain(bound float64) *pointChain {
	return &pointChain{
		limits: symmetricLimits(2, bound),
		point: func(q []float64) r3.Vector {
			return r3.Vector{X: q[0] + q[1]}
		},
	}
}

func defaultOptions() SolveOptions {
	return SolveOptions{MaxIter: 50, Tol: 1e-3, UseHessian: true}
}
