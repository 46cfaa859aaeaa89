package reactctrl

import (
	"context"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.viam.com/rdk/logging"
)

// configureServos tunes every joint servo for closed-loop velocity control
// and writes its calibration: faster replies, full acceleration, softer
// position gains and the calibrated range and homing offset.
// Failures are logged and skipped so a partly configured arm still runs.
func configureServos(ctx context.Context, proto *feetech.Protocol, servos []*calibratedServo, logger logging.Logger) {
	logger.Debugf("Configuring %d servos", len(servos))

	for _, s := range servos {
		write := func(name string, data []byte) {
			if err := s.servo.WriteRegister(ctx, name, data); err != nil {
				logger.Debugf("Failed to set %s for servo %d: %v", name, s.cal.ID, err)
			}
		}

		// Reduce return delay time from 500µs to the 2µs minimum
		write("response_delay", []byte{0})
		write("acceleration", []byte{254})

		// lower p_gain from the default 32 to reduce shakiness
		write("p_gain", []byte{16})
		write("i_gain", []byte{0})
		write("d_gain", []byte{32})

		// EEPROM registers, WriteRegister handles the lock
		write("position_offset", proto.EncodeWord(offsetWord(s.cal.HomingOffset)))
		write("min_angle_limit", proto.EncodeWord(uint16(s.cal.RangeMin)))
		write("max_angle_limit", proto.EncodeWord(uint16(s.cal.RangeMax)))
	}

	logger.Debugf("Servo configuration complete")
}
