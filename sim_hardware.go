package reactctrl

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"
)

var errSimClosed = errors.New("simulated hardware is closed")

// VelocityCommand is one recorded SetVelocities call.
type VelocityCommand struct {
	Joints []int
	Values []float64
	At     time.Time
}

// IsStop reports whether every value in the command is zero.
func (c VelocityCommand) IsStop() bool {
	for _, v := range c.Values {
		if v != 0 {
			return false
		}
	}
	return true
}

// SimulatedHardware integrates commanded joint velocities against a clock.
// Faults can be injected to exercise the controller's failure handling.
type SimulatedHardware struct {
	mu  sync.Mutex
	clk clock.Clock

	positions  []float64
	velocities []float64
	modes      []ControlMode
	limits     []referenceframe.Limit
	lastStep   time.Time
	closed     bool

	failReads    int
	failVelocity int
	rejectModes  bool
	faults       map[int]bool
	stuck        map[int]bool

	modeSetCalls int
	commands     []VelocityCommand
}

// NewSimulatedHardware starts every joint at initial in position mode.
func NewSimulatedHardware(clk clock.Clock, initial []float64, limits []referenceframe.Limit) (*SimulatedHardware, error) {
	if len(initial) != len(limits) {
		return nil, fmt.Errorf("expected %d initial joint values, got %d", len(limits), len(initial))
	}
	modes := make([]ControlMode, len(initial))
	for i := range modes {
		modes[i] = ModePosition
	}
	return &SimulatedHardware{
		clk:        clk,
		positions:  append([]float64(nil), initial...),
		velocities: make([]float64, len(initial)),
		modes:      modes,
		limits:     append([]referenceframe.Limit(nil), limits...),
		lastStep:   clk.Now(),
		faults:     map[int]bool{},
		stuck:      map[int]bool{},
	}, nil
}

// advance integrates velocities up to now. Callers hold mu.
func (h *SimulatedHardware) advance() {
	now := h.clk.Now()
	dt := now.Sub(h.lastStep).Seconds()
	h.lastStep = now
	if dt <= 0 {
		return
	}
	for i, v := range h.velocities {
		if h.modes[i] != ModeVelocity || h.faults[i] {
			continue
		}
		h.positions[i] = math.Min(math.Max(h.positions[i]+v*dt, h.limits[i].Min), h.limits[i].Max)
	}
}

func (h *SimulatedHardware) checkJoints(joints []int) error {
	for _, j := range joints {
		if j < 0 || j >= len(h.positions) {
			return fmt.Errorf("joint %d does not exist", j)
		}
	}
	return nil
}

func (h *SimulatedHardware) ReadEncoders(ctx context.Context) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errSimClosed
	}
	h.advance()
	if h.failReads > 0 {
		h.failReads--
		return nil, errors.New("simulated encoder timeout")
	}
	return append([]float64(nil), h.positions...), nil
}

func (h *SimulatedHardware) ControlModes(ctx context.Context, joints []int) ([]ControlMode, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errSimClosed
	}
	if err := h.checkJoints(joints); err != nil {
		return nil, err
	}
	modes := make([]ControlMode, len(joints))
	for i, j := range joints {
		if h.faults[j] {
			modes[i] = ModeHWFault
			continue
		}
		modes[i] = h.modes[j]
	}
	return modes, nil
}

func (h *SimulatedHardware) SetControlModes(ctx context.Context, joints []int, mode ControlMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modeSetCalls++
	if h.closed {
		return errSimClosed
	}
	if err := h.checkJoints(joints); err != nil {
		return err
	}
	if h.rejectModes {
		return fmt.Errorf("simulated rejection of %s mode", mode)
	}
	h.advance()
	for _, j := range joints {
		if h.stuck[j] || h.faults[j] {
			continue
		}
		h.modes[j] = mode
		if mode != ModeVelocity {
			h.velocities[j] = 0
		}
	}
	return nil
}

func (h *SimulatedHardware) SetVelocities(ctx context.Context, joints []int, velocities []float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errSimClosed
	}
	if len(joints) != len(velocities) {
		return fmt.Errorf("got %d velocities for %d joints", len(velocities), len(joints))
	}
	if err := h.checkJoints(joints); err != nil {
		return err
	}
	if h.failVelocity > 0 {
		h.failVelocity--
		return errors.New("simulated velocity command failure")
	}
	for i, j := range joints {
		if velocities[i] != 0 && h.modes[j] != ModeVelocity {
			return fmt.Errorf("joint %d is in %s mode", j, h.modes[j])
		}
	}

	h.advance()
	for i, j := range joints {
		h.velocities[j] = velocities[i]
	}
	h.commands = append(h.commands, VelocityCommand{
		Joints: append([]int(nil), joints...),
		Values: append([]float64(nil), velocities...),
		At:     h.clk.Now(),
	})
	return nil
}

func (h *SimulatedHardware) JointLimits(ctx context.Context, joints []int) ([]referenceframe.Limit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkJoints(joints); err != nil {
		return nil, err
	}
	limits := make([]referenceframe.Limit, len(joints))
	for i, j := range joints {
		limits[i] = h.limits[j]
	}
	return limits, nil
}

func (h *SimulatedHardware) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// FailReads makes the next n encoder reads fail.
func (h *SimulatedHardware) FailReads(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failReads = n
}

// FailVelocityCommands makes the next n velocity commands fail.
func (h *SimulatedHardware) FailVelocityCommands(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failVelocity = n
}

// SetJointFault reports joint as faulted until cleared.
func (h *SimulatedHardware) SetJointFault(joint int, faulted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[joint] = faulted
}

// RejectModeChanges makes SetControlModes fail.
func (h *SimulatedHardware) RejectModeChanges(reject bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejectModes = reject
}

// StickMode makes joint silently ignore mode changes.
func (h *SimulatedHardware) StickMode(joint int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stuck[joint] = true
}

// ModeSetCalls is the number of SetControlModes calls so far.
func (h *SimulatedHardware) ModeSetCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.modeSetCalls
}

// Commands returns every velocity command received.
func (h *SimulatedHardware) Commands() []VelocityCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]VelocityCommand(nil), h.commands...)
}

// Positions returns the joint positions as of now.
func (h *SimulatedHardware) Positions() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advance()
	return append([]float64(nil), h.positions...)
}

// Modes returns the configured mode of every joint.
func (h *SimulatedHardware) Modes() []ControlMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ControlMode(nil), h.modes...)
}
