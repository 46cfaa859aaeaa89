package reactctrl

import (
	"context"
	"fmt"
	"math"
	"time"
)

// dispatcher turns a joint-space delta into velocity commands.
type dispatcher struct {
	hw          Hardware
	joints      []int
	period      time.Duration
	gain        float64
	maxVelocity float64 // rad/s, 0 means unlimited
}

// velocities computes gain*(qSol-q)/period for the given joints. If any
// joint exceeds the limit the whole vector is scaled down so the direction
// of motion is kept.
func (d *dispatcher) velocities(q, qSol []float64, joints []int) []float64 {
	dt := d.period.Seconds()
	v := make([]float64, len(joints))
	peak := 0.0
	for i, j := range joints {
		v[i] = d.gain * (qSol[j] - q[j]) / dt
		peak = math.Max(peak, math.Abs(v[i]))
	}
	if d.maxVelocity > 0 && peak > d.maxVelocity {
		scale := d.maxVelocity / peak
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}

// Control commands joints toward qSol. Only joints that passed the safety
// check may be passed in.
func (d *dispatcher) Control(ctx context.Context, q, qSol []float64, joints []int) ([]float64, error) {
	if len(q) != len(qSol) {
		return nil, fmt.Errorf("configuration has %d joints, solution has %d", len(q), len(qSol))
	}
	for _, j := range joints {
		if j < 0 || j >= len(q) {
			return nil, fmt.Errorf("joint %d is outside the configuration", j)
		}
	}
	v := d.velocities(q, qSol, joints)
	if err := d.hw.SetVelocities(ctx, joints, v); err != nil {
		return nil, fmt.Errorf("failed to command velocities: %w", err)
	}
	return v, nil
}

// Stop sends zero velocity to every controlled joint in one call. It can be
// called from any state and reports failure instead of panicking.
func (d *dispatcher) Stop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stop command panicked: %v", r)
		}
	}()
	if err := d.hw.SetVelocities(ctx, d.joints, make([]float64, len(d.joints))); err != nil {
		return fmt.Errorf("failed to stop joints: %w", err)
	}
	return nil
}
