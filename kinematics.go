package reactctrl

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"
)

var (
	// ErrShortReading is returned when the hardware delivers fewer joint values than the chain has.
	ErrShortReading = errors.New("incomplete encoder reading")
	// ErrNotReady is returned by operations that need a started controller.
	ErrNotReady = errors.New("controller is not ready")
)

// Chain maps joint configurations to an end-effector pose and carries the
// joint bounds the solver must respect.
type Chain interface {
	DoF() int
	Limits() []referenceframe.Limit
	SetLimits(limits []referenceframe.Limit) error
	Pose(q []float64) (spatialmath.Pose, error)
}

// KinematicState is the arm configuration and the end-effector pose derived from it.
type KinematicState struct {
	Q      []float64
	Pose   spatialmath.Pose
	ReadAt time.Time
}

func (s KinematicState) copyQ() []float64 {
	return append([]float64(nil), s.Q...)
}

// stateUpdater refreshes the chain from live encoder readings.
type stateUpdater struct {
	hw    Hardware
	chain Chain
	clk   clock.Clock
	state KinematicState
}

// Update reads every controlled joint and recomputes the end-effector pose.
// The previous state is kept on failure.
func (u *stateUpdater) Update(ctx context.Context) error {
	q, err := u.hw.ReadEncoders(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read encoders")
	}
	if len(q) != u.chain.DoF() {
		return errors.Wrapf(ErrShortReading, "expected %d joints, got %d", u.chain.DoF(), len(q))
	}
	pose, err := u.chain.Pose(q)
	if err != nil {
		return errors.Wrap(err, "failed to compute end-effector pose")
	}
	u.state = KinematicState{Q: q, Pose: pose, ReadAt: u.clk.Now()}
	return nil
}

// alignJointsBounds narrows the chain's joint bounds to what the hardware reports.
func alignJointsBounds(ctx context.Context, hw Hardware, chain Chain, joints []int) error {
	hwLimits, err := hw.JointLimits(ctx, joints)
	if err != nil {
		return errors.Wrap(err, "failed to query joint limits")
	}
	if len(hwLimits) != len(joints) {
		return errors.Errorf("expected %d joint limits, got %d", len(joints), len(hwLimits))
	}

	limits := append([]referenceframe.Limit(nil), chain.Limits()...)
	for i, j := range joints {
		if j < 0 || j >= len(limits) {
			return errors.Errorf("joint %d is outside the chain (%d joints)", j, len(limits))
		}
		lo := math.Max(limits[j].Min, hwLimits[i].Min)
		hi := math.Min(limits[j].Max, hwLimits[i].Max)
		if lo > hi {
			return errors.Errorf("joint %d: hardware limits [%.3f, %.3f] do not overlap chain limits [%.3f, %.3f]",
				j, hwLimits[i].Min, hwLimits[i].Max, limits[j].Min, limits[j].Max)
		}
		limits[j] = referenceframe.Limit{Min: lo, Max: hi}
	}
	return chain.SetLimits(limits)
}
