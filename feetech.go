package reactctrl

import (
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

const (
	ticksPerRevolution = 4096

	// largest goal speed magnitude, bit 15 carries the sign
	maxSpeedTicks = 0x7FFF

	defaultBaudrate = 1000000
	defaultTimeout  = 100 * time.Millisecond
)

// openServoBus opens an STS bus on a serial port.
func openServoBus(portName string, baudrate int, timeout time.Duration) (*feetech.Bus, error) {
	if baudrate <= 0 {
		baudrate = defaultBaudrate
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     portName,
		BaudRate: baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open servo bus on %s: %w", portName, err)
	}
	return bus, nil
}

// conditionOnly reports whether err only carries servo condition flags
// (overload, overheat, voltage, angle limit). The servo still answered, so
// any data returned with err is valid.
func conditionOnly(err error) bool {
	_, ok := feetech.ConditionStatus(err)
	return ok
}

// speedWord packs a signed speed in sign-magnitude form, bit 15 is the sign.
func speedWord(ticksPerSecond int) uint16 {
	magnitude := ticksPerSecond
	var sign uint16
	if magnitude < 0 {
		magnitude = -magnitude
		sign = 1 << 15
	}
	if magnitude > maxSpeedTicks {
		magnitude = maxSpeedTicks
	}
	return uint16(magnitude) | sign
}

// offsetWord packs a homing offset in the 12-bit sign-magnitude form the
// position offset register uses, bit 11 is the sign.
func offsetWord(offset int) uint16 {
	magnitude := offset
	var sign uint16
	if magnitude < 0 {
		magnitude = -magnitude
		sign = 1 << 11
	}
	if magnitude > 0x7FF {
		magnitude = 0x7FF
	}
	return uint16(magnitude) | sign
}

// decodeOffset is the inverse of offsetWord.
func decodeOffset(raw uint16) int {
	magnitude := int(raw & 0x7FF)
	if raw&(1<<11) != 0 {
		return -magnitude
	}
	return magnitude
}
