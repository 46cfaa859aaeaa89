package reactctrl

import (
	"context"
	"fmt"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
)

// FeetechHardware drives a chain of Feetech STS servos, one per joint, in
// their native velocity mode.
type FeetechHardware struct {
	bus     *feetech.Bus
	servos  []*calibratedServo
	release func() error
	logger  logging.Logger
}

// NewFeetechHardware binds cals, in joint order, to servos on bus. release
// is called on Close to give the bus back.
func NewFeetechHardware(
	ctx context.Context,
	bus *feetech.Bus,
	cals []JointCalibration,
	release func() error,
	logger logging.Logger,
) (*FeetechHardware, error) {
	servos := make([]*calibratedServo, len(cals))
	for i, cal := range cals {
		if err := cal.Validate(); err != nil {
			return nil, fmt.Errorf("joint %d: %w", i, err)
		}
		servos[i] = newCalibratedServo(bus, cal)
	}
	for _, s := range servos {
		if _, err := s.servo.Ping(ctx); err != nil && !conditionOnly(err) {
			return nil, fmt.Errorf("servo %d ping failed: %w", s.cal.ID, err)
		}
	}
	configureServos(ctx, bus.Protocol(), servos, logger)
	return &FeetechHardware{bus: bus, servos: servos, release: release, logger: logger}, nil
}

func (h *FeetechHardware) servo(joint int) (*calibratedServo, error) {
	if joint < 0 || joint >= len(h.servos) {
		return nil, fmt.Errorf("joint %d does not exist", joint)
	}
	return h.servos[joint], nil
}

func (h *FeetechHardware) ReadEncoders(ctx context.Context) ([]float64, error) {
	positions := make([]float64, len(h.servos))
	for i, s := range h.servos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.Position(ctx)
		if err != nil {
			return nil, err
		}
		positions[i] = p
	}
	return positions, nil
}

func (h *FeetechHardware) ControlModes(ctx context.Context, joints []int) ([]ControlMode, error) {
	modes := make([]ControlMode, len(joints))
	for i, j := range joints {
		s, err := h.servo(j)
		if err != nil {
			return nil, err
		}
		if modes[i], err = s.Mode(ctx); err != nil {
			return nil, err
		}
	}
	return modes, nil
}

func (h *FeetechHardware) SetControlModes(ctx context.Context, joints []int, mode ControlMode) error {
	var errs error
	for _, j := range joints {
		s, err := h.servo(j)
		if err != nil {
			return err
		}
		if err := s.SetMode(ctx, mode); err != nil {
			errs = multierr.Combine(errs, fmt.Errorf("servo %d: %w", s.cal.ID, err))
		}
	}
	return errs
}

// SetVelocities writes every goal speed in one sync write so the joints
// start and stop together.
func (h *FeetechHardware) SetVelocities(ctx context.Context, joints []int, velocities []float64) error {
	if len(joints) != len(velocities) {
		return fmt.Errorf("got %d velocities for %d joints", len(velocities), len(joints))
	}
	proto := h.bus.Protocol()
	data := make(map[int][]byte, len(joints))
	for i, j := range joints {
		s, err := h.servo(j)
		if err != nil {
			return err
		}
		data[s.cal.ID] = proto.EncodeWord(speedWord(s.cal.SpeedToTicks(velocities[i])))
	}
	if len(data) == 0 {
		return nil
	}
	goal := feetech.RegGoalVelocity
	return h.bus.SyncWrite(ctx, goal.Address, int(goal.Size), data)
}

func (h *FeetechHardware) JointLimits(ctx context.Context, joints []int) ([]referenceframe.Limit, error) {
	limits := make([]referenceframe.Limit, len(joints))
	for i, j := range joints {
		s, err := h.servo(j)
		if err != nil {
			return nil, err
		}
		limits[i] = s.cal.Limits()
	}
	return limits, nil
}

func (h *FeetechHardware) Close(ctx context.Context) error {
	if h.release == nil {
		return nil
	}
	return h.release()
}
