package reactctrl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.viam.com/rdk/logging"
)

// so101JointNames are the calibration file keys, in joint order.
var so101JointNames = []string{"shoulder_pan", "shoulder_lift", "elbow_flex", "wrist_flex", "wrist_roll"}

func jointName(i int) string {
	if i < len(so101JointNames) {
		return so101JointNames[i]
	}
	return fmt.Sprintf("joint_%d", i)
}

// DefaultCalibration is a symmetric 500..3500 tick range for each servo.
func DefaultCalibration(servoIDs []int) []JointCalibration {
	cals := make([]JointCalibration, len(servoIDs))
	for i, id := range servoIDs {
		cals[i] = JointCalibration{ID: id, RangeMin: 500, RangeMax: 3500}
	}
	return cals
}

// ResolveModuleDataPath makes a relative path relative to VIAM_MODULE_DATA.
func ResolveModuleDataPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, path)
}

// LoadCalibrationFile reads a calibration file keyed by joint name. Joints
// the file does not mention keep their entry from defaults.
func LoadCalibrationFile(filePath string, defaults []JointCalibration) ([]JointCalibration, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file: %w", err)
	}

	var fileFormat map[string]*JointCalibration
	if err := json.Unmarshal(data, &fileFormat); err != nil {
		return nil, fmt.Errorf("failed to parse calibration JSON: %w", err)
	}

	cals := append([]JointCalibration(nil), defaults...)
	for i := range cals {
		if entry := fileFormat[jointName(i)]; entry != nil {
			cals[i] = *entry
		}
	}
	if err := ValidateCalibration(cals); err != nil {
		return nil, fmt.Errorf("calibration validation failed: %w", err)
	}
	return cals, nil
}

// SaveCalibrationFile writes cals keyed by joint name.
func SaveCalibrationFile(filePath string, cals []JointCalibration) error {
	fileFormat := make(map[string]JointCalibration, len(cals))
	for i, cal := range cals {
		fileFormat[jointName(i)] = cal
	}

	data, err := json.MarshalIndent(fileFormat, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	return nil
}

// ValidateCalibration validates that all calibration values are reasonable
func ValidateCalibration(cals []JointCalibration) error {
	seen := map[int]bool{}
	for i := range cals {
		if err := cals[i].Validate(); err != nil {
			return fmt.Errorf("joint %s: %w", jointName(i), err)
		}
		if seen[cals[i].ID] {
			return fmt.Errorf("joint %s: servo ID %d used twice", jointName(i), cals[i].ID)
		}
		seen[cals[i].ID] = true
	}
	return nil
}

// ReadCalibrationFromServos rebuilds calibration from the angle limit and
// offset registers a previous calibration wrote. Servos that cannot be read
// or hold an unusable range keep the default.
func ReadCalibrationFromServos(ctx context.Context, bus *feetech.Bus, servoIDs []int, logger logging.Logger) []JointCalibration {
	cals := DefaultCalibration(servoIDs)
	for i, id := range servoIDs {
		servo := feetech.NewServo(bus, id, &feetech.ModelSTS3215)
		minLimit, maxLimit, err := servo.PositionLimits(ctx)
		if err != nil {
			logger.Debugf("Failed to read angle limits for servo %d: %v", id, err)
			continue
		}
		offset, err := servo.ReadRegister(ctx, "position_offset")
		if err != nil {
			logger.Debugf("Failed to read homing_offset for servo %d: %v", id, err)
			continue
		}

		cal := JointCalibration{
			ID:           id,
			HomingOffset: decodeOffset(bus.Protocol().DecodeWord(offset)),
			RangeMin:     minLimit,
			RangeMax:     maxLimit,
		}
		if err := cal.Validate(); err != nil {
			logger.Warnf("Servo %d registers hold no usable calibration (%v), using default", id, err)
			continue
		}
		cals[i] = cal
	}
	return cals
}
