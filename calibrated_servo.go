package reactctrl

import (
	"context"
	"fmt"
	"math"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.viam.com/rdk/referenceframe"
)

// JointCalibration maps one servo's raw ticks to joint radians. The middle of
// [RangeMin, RangeMax] is the joint's zero.
type JointCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

const radiansPerTick = 2 * math.Pi / ticksPerRevolution

func (c *JointCalibration) center() float64 {
	return float64(c.RangeMin+c.RangeMax) / 2.0
}

func (c *JointCalibration) sign() float64 {
	if c.DriveMode != 0 {
		return -1
	}
	return 1
}

// ToRadians converts a raw position to a joint angle.
func (c *JointCalibration) ToRadians(raw int) float64 {
	return c.sign() * (float64(raw) - c.center()) * radiansPerTick
}

// FromRadians converts a joint angle to a raw position, clamped to the range.
func (c *JointCalibration) FromRadians(angle float64) int {
	raw := int(math.Round(c.sign()*angle/radiansPerTick + c.center()))
	if raw < c.RangeMin {
		raw = c.RangeMin
	}
	if raw > c.RangeMax {
		raw = c.RangeMax
	}
	return raw
}

// SpeedToTicks converts a joint velocity (rad/s) to servo ticks per second.
func (c *JointCalibration) SpeedToTicks(velocity float64) int {
	return int(math.Round(c.sign() * velocity / radiansPerTick))
}

// Limits is the joint range in radians.
func (c *JointCalibration) Limits() referenceframe.Limit {
	a, b := c.ToRadians(c.RangeMin), c.ToRadians(c.RangeMax)
	return referenceframe.Limit{Min: math.Min(a, b), Max: math.Max(a, b)}
}

// Validate checks if the calibration parameters are valid
func (c *JointCalibration) Validate() error {
	if c.ID < 0 || c.ID > 253 {
		return fmt.Errorf("invalid servo ID: %d", c.ID)
	}
	if c.RangeMin >= c.RangeMax {
		return fmt.Errorf("invalid range: min (%d) must be less than max (%d)", c.RangeMin, c.RangeMax)
	}
	if c.RangeMin < 0 || c.RangeMax > ticksPerRevolution-1 {
		return fmt.Errorf("range values must be between 0-4095, got min=%d max=%d", c.RangeMin, c.RangeMax)
	}
	return nil
}

// calibratedServo is one joint on the bus.
type calibratedServo struct {
	servo *feetech.Servo
	cal   JointCalibration
}

func newCalibratedServo(bus *feetech.Bus, cal JointCalibration) *calibratedServo {
	return &calibratedServo{servo: feetech.NewServo(bus, cal.ID, &feetech.ModelSTS3215), cal: cal}
}

// Position reads the joint angle. A reading flagged with a servo condition
// is still returned; the mode check reports the fault.
func (s *calibratedServo) Position(ctx context.Context) (float64, error) {
	raw, err := s.servo.Position(ctx)
	if err != nil && !conditionOnly(err) {
		return 0, fmt.Errorf("failed to read position of servo %d: %w", s.cal.ID, err)
	}
	return s.cal.ToRadians(raw), nil
}

// Mode combines the torque state and the operating mode. A servo raising a
// condition flag reads as faulted.
func (s *calibratedServo) Mode(ctx context.Context) (ControlMode, error) {
	enabled, err := s.servo.TorqueEnabled(ctx)
	if err != nil {
		if conditionOnly(err) {
			return ModeHWFault, nil
		}
		return ModeUnknown, err
	}
	if !enabled {
		return ModeIdle, nil
	}
	op, err := s.servo.OperatingMode(ctx)
	if err != nil {
		if conditionOnly(err) {
			return ModeHWFault, nil
		}
		return ModeUnknown, err
	}
	switch op {
	case feetech.ModePosition:
		return ModePosition, nil
	case feetech.ModeVelocity:
		return ModeVelocity, nil
	case feetech.ModePWM:
		return ModeTorque, nil
	default:
		return ModeUnknown, nil
	}
}

// SetMode switches the operating mode with torque off, then re-enables
// torque. Entering position mode holds the current position.
func (s *calibratedServo) SetMode(ctx context.Context, mode ControlMode) error {
	var op feetech.OperatingMode
	switch mode {
	case ModePosition:
		op = feetech.ModePosition
	case ModeVelocity:
		op = feetech.ModeVelocity
	case ModeTorque:
		op = feetech.ModePWM
	case ModeIdle:
		return s.servo.Disable(ctx)
	default:
		return fmt.Errorf("cannot command servo %d into %s mode", s.cal.ID, mode)
	}

	if err := s.servo.Disable(ctx); err != nil {
		return err
	}
	// operating mode lives in EEPROM, the library unlocks and relocks it
	if err := s.servo.SetOperatingMode(ctx, op); err != nil {
		return err
	}
	if mode == ModePosition {
		raw, err := s.servo.Position(ctx)
		if err != nil && !conditionOnly(err) {
			return err
		}
		if err := s.servo.SetPosition(ctx, raw); err != nil {
			return err
		}
	}
	return s.servo.Enable(ctx)
}
