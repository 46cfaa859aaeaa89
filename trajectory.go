package reactctrl

import (
	"fmt"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Profile is the time scaling applied along the straight-line path.
type Profile int

const (
	ProfileLinear Profile = iota
	ProfileMinimumJerk
)

func (p Profile) String() string {
	switch p {
	case ProfileLinear:
		return "linear"
	case ProfileMinimumJerk:
		return "minimum_jerk"
	default:
		return fmt.Sprintf("profile(%d)", int(p))
	}
}

// ParseProfile maps a config string to a Profile. Empty means linear.
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "", "linear":
		return ProfileLinear, nil
	case "minimum_jerk":
		return ProfileMinimumJerk, nil
	default:
		return ProfileLinear, fmt.Errorf("trajectory_profile must be 'linear' or 'minimum_jerk', got '%s'", s)
	}
}

// Trajectory is one tracking episode from X0 toward Xd.
type Trajectory struct {
	X0       spatialmath.Pose
	Xd       spatialmath.Pose
	T0       time.Time
	Duration float64 // seconds
	Profile  Profile
}

// Progress returns the path parameter in [0, 1] at time now.
func (tr Trajectory) Progress(now time.Time) float64 {
	if tr.Duration <= 0 {
		return 1
	}
	tau := now.Sub(tr.T0).Seconds() / tr.Duration
	if tau <= 0 {
		return 0
	}
	if tau >= 1 {
		return 1
	}
	if tr.Profile == ProfileMinimumJerk {
		return tau * tau * tau * (10 - 15*tau + 6*tau*tau)
	}
	return tau
}

// Sample returns the desired pose at time now. The endpoints are returned
// as-is so the final sample equals Xd exactly.
func (tr Trajectory) Sample(now time.Time) spatialmath.Pose {
	switch s := tr.Progress(now); s {
	case 0:
		return tr.X0
	case 1:
		return tr.Xd
	default:
		return spatialmath.Interpolate(tr.X0, tr.Xd, s)
	}
}

// offsetPose applies delta to x: translation is added in the world frame and
// the delta rotation is pre-multiplied onto x's orientation.
func offsetPose(x, delta spatialmath.Pose) spatialmath.Pose {
	point := x.Point().Add(delta.Point())
	orientation := spatialmath.Compose(
		spatialmath.NewPoseFromOrientation(delta.Orientation()),
		spatialmath.NewPoseFromOrientation(x.Orientation()),
	).Orientation()
	return spatialmath.NewPose(point, orientation)
}

// orientationScale converts rotation error (rad) to the same footing as
// translation error (mm) when full pose is controlled.
const orientationScale = 100.0

// poseError is the distance from x to xd used for convergence.
func poseError(xd, x spatialmath.Pose, control PoseControl) float64 {
	dp := xd.Point().Sub(x.Point())
	if control != PoseFull {
		return dp.Norm()
	}
	dr := spatialmath.PoseDelta(x, xd).Orientation().AxisAngles().ToR3()
	return r3.Vector{X: dp.Norm(), Y: orientationScale * dr.Norm()}.Norm()
}
