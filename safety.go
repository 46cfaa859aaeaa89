package reactctrl

import (
	"context"
	"fmt"

	"go.viam.com/rdk/logging"
)

// JointHealth is the per-joint result of the last safety check.
type JointHealth struct {
	Joint   int
	Mode    ControlMode
	Healthy bool
}

// safetyManager is the only writer of joint control modes.
type safetyManager struct {
	hw     Hardware
	logger logging.Logger
	health []JointHealth
}

// Health returns the flags computed by the last check.
func (s *safetyManager) Health() []JointHealth {
	return append([]JointHealth(nil), s.health...)
}

// AreJointsHealthyAndSet checks every joint in joints and switches the ones
// not already in mode. If any joint is unhealthy nothing is switched and
// false is returned. Success requires every joint to read back mode.
func (s *safetyManager) AreJointsHealthyAndSet(ctx context.Context, joints []int, mode ControlMode) bool {
	if err := s.check(ctx, joints, mode); err != nil {
		s.logger.Warnf("joint safety check failed: %v", err)
		return false
	}
	return true
}

func (s *safetyManager) check(ctx context.Context, joints []int, mode ControlMode) error {
	modes, err := s.readModes(ctx, joints)
	if err != nil {
		return err
	}

	var toSet []int
	for i, m := range modes {
		if !s.health[i].Healthy {
			return fmt.Errorf("joint %d is unhealthy (%s)", joints[i], m)
		}
		if m != mode {
			toSet = append(toSet, joints[i])
		}
	}
	if len(toSet) == 0 {
		return nil
	}

	if err := s.hw.SetControlModes(ctx, toSet, mode); err != nil {
		return fmt.Errorf("failed to set %s mode on joints %v: %w", mode, toSet, err)
	}
	modes, err = s.readModes(ctx, joints)
	if err != nil {
		return err
	}
	for i, m := range modes {
		if m != mode {
			return fmt.Errorf("joint %d reports %s after requesting %s", joints[i], m, mode)
		}
	}
	return nil
}

// readModes refreshes the health flags for joints.
func (s *safetyManager) readModes(ctx context.Context, joints []int) ([]ControlMode, error) {
	modes, err := s.hw.ControlModes(ctx, joints)
	if err != nil {
		s.health = nil
		return nil, fmt.Errorf("failed to read control modes: %w", err)
	}
	if len(modes) != len(joints) {
		s.health = nil
		return nil, fmt.Errorf("expected %d control modes, got %d", len(joints), len(modes))
	}
	s.health = make([]JointHealth, len(joints))
	for i, m := range modes {
		s.health[i] = JointHealth{Joint: joints[i], Mode: m, Healthy: m.Healthy()}
	}
	return modes, nil
}
