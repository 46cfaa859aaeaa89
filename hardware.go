package reactctrl

import (
	"context"
	"fmt"

	"go.viam.com/rdk/referenceframe"
)

// ControlMode is the command type a joint is currently accepting.
type ControlMode int

const (
	ModeUnknown ControlMode = iota
	ModeIdle
	ModePosition
	ModeVelocity
	ModeTorque
	ModeHWFault
)

func (m ControlMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePosition:
		return "position"
	case ModeVelocity:
		return "velocity"
	case ModeTorque:
		return "torque"
	case ModeHWFault:
		return "hw_fault"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Healthy reports whether a joint in this mode can be switched and commanded.
// Idle joints have their amplifiers off and faulted joints need operator
// attention, so neither is eligible.
func (m ControlMode) Healthy() bool {
	switch m {
	case ModePosition, ModeVelocity, ModeTorque:
		return true
	default:
		return false
	}
}

// ParseControlMode accepts the mode names used in configs and DoCommand.
func ParseControlMode(s string) (ControlMode, error) {
	switch s {
	case "position":
		return ModePosition, nil
	case "velocity":
		return ModeVelocity, nil
	default:
		return ModeUnknown, fmt.Errorf("control mode must be 'position' or 'velocity', got '%s'", s)
	}
}

// Hardware is the joint-level interface the controller drives. Joint indices
// are positions in the chain's configuration vector. Velocities are rad/s.
type Hardware interface {
	ReadEncoders(ctx context.Context) ([]float64, error)
	ControlModes(ctx context.Context, joints []int) ([]ControlMode, error)
	SetControlModes(ctx context.Context, joints []int, mode ControlMode) error
	SetVelocities(ctx context.Context, joints []int, velocities []float64) error
	JointLimits(ctx context.Context, joints []int) ([]referenceframe.Limit, error)
	Close(ctx context.Context) error
}

func allJoints(n int) []int {
	joints := make([]int, n)
	for i := range joints {
		joints[i] = i
	}
	return joints
}
