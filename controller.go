package reactctrl

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"
)

var (
	// ErrInvalidTolerance is returned for a non-positive convergence tolerance.
	ErrInvalidTolerance = errors.New("tolerance must be positive")
	// ErrInvalidTrajTime is returned for a negative trajectory time.
	ErrInvalidTrajTime = errors.New("trajectory time must not be negative")
)

// ControllerConfig holds the tuning of one controller instance.
type ControllerConfig struct {
	Period           time.Duration
	Tol              float64 // mm, or mixed mm/scaled rad under full pose control
	TrajTime         float64 // seconds
	Profile          Profile
	FailureThreshold int
	VelocityGain     float64
	MaxJointVelocity float64 // rad/s, 0 disables the limit
	Verbosity        int
	Solve            SolveOptions
	Secondary        *PoseTask
	Tertiary         *PostureTask
}

// DefaultControllerConfig is a 100 Hz loop converging to within 10 mm.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Period:           10 * time.Millisecond,
		Tol:              10,
		TrajTime:         3,
		Profile:          ProfileLinear,
		FailureThreshold: 5,
		VelocityGain:     1,
		Solve: SolveOptions{
			MaxIter:    50,
			Tol:        0.1,
			UseHessian: true,
		},
	}
}

func (c ControllerConfig) validate() error {
	if c.Period <= 0 {
		return errors.New("control period must be positive")
	}
	if !(c.Tol > 0) {
		return ErrInvalidTolerance
	}
	if c.TrajTime < 0 || math.IsNaN(c.TrajTime) {
		return ErrInvalidTrajTime
	}
	if c.FailureThreshold < 1 {
		return errors.New("failure threshold must be at least 1")
	}
	if c.VelocityGain <= 0 || c.VelocityGain > 1 {
		return errors.New("velocity gain must be in (0, 1]")
	}
	if c.MaxJointVelocity < 0 {
		return errors.New("max joint velocity must not be negative")
	}
	if c.Solve.MaxIter < 1 {
		return errors.New("solver max iterations must be at least 1")
	}
	return nil
}

// Status is a snapshot of the control cycle, published after every tick.
// Task is set while a tracking episode is active.
type Status struct {
	State     CycleState
	Step      int
	Failures  int
	Code      TerminationCode
	HasCode   bool
	Task      bool
	Reason    string
	Q         []float64
	Pose      spatialmath.Pose
	Start     spatialmath.Pose
	Target    spatialmath.Pose
	Error     float64
	Tol       float64
	TrajTime  float64
	Verbosity int
	Command   []float64
	UpdatedAt time.Time
}

// Controller drives the hardware so the end effector follows a target pose.
// One worker goroutine owns all cycle state; callers talk to it through the
// setters, which only stage updates for the next cycle.
type Controller struct {
	hw     Hardware
	chain  Chain
	clk    clock.Clock
	logger logging.Logger
	cfg    ControllerConfig
	joints []int

	updater *stateUpdater
	orch    *orchestrator
	safety  *safetyManager
	disp    *dispatcher

	pending pendingSlot
	halt    atomic.Bool
	closing atomic.Bool
	ready   atomic.Bool

	// worker owned
	cycle     cycleState
	traj      Trajectory
	tol       float64
	trajTime  float64
	verbosity int
	command   []float64

	statusMu sync.Mutex
	status   Status

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewController wires a controller. Call Start to begin the control loop.
func NewController(
	hw Hardware,
	chain Chain,
	solver Solver,
	cfg ControllerConfig,
	clk clock.Clock,
	logger logging.Logger,
) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if chain.DoF() == 0 {
		return nil, errors.New("chain has no joints to control")
	}
	if clk == nil {
		clk = clock.New()
	}
	joints := allJoints(chain.DoF())

	c := &Controller{
		hw:        hw,
		chain:     chain,
		clk:       clk,
		logger:    logger,
		cfg:       cfg,
		joints:    joints,
		tol:       cfg.Tol,
		trajTime:  cfg.TrajTime,
		verbosity: cfg.Verbosity,
		done:      make(chan struct{}),
	}
	c.updater = &stateUpdater{hw: hw, chain: chain, clk: clk}
	c.orch = &orchestrator{
		solver:    solver,
		options:   cfg.Solve,
		secondary: cfg.Secondary,
		tertiary:  cfg.Tertiary,
		halt:      &c.halt,
	}
	c.safety = &safetyManager{hw: hw, logger: logger}
	c.disp = &dispatcher{
		hw:          hw,
		joints:      joints,
		period:      cfg.Period,
		gain:        cfg.VelocityGain,
		maxVelocity: cfg.MaxJointVelocity,
	}
	return c, nil
}

// init prepares the hardware and takes the first reading. Setters are
// accepted once it succeeds.
func (c *Controller) init(ctx context.Context) error {
	if err := alignJointsBounds(ctx, c.hw, c.chain, c.joints); err != nil {
		return err
	}
	if err := c.updater.Update(ctx); err != nil {
		return errors.Wrap(err, "failed to take initial reading")
	}
	if err := c.disp.Stop(ctx); err != nil {
		c.logger.Warnf("initial stop command failed: %v", err)
	}
	c.cycle.transition(StateIdle, "started")
	c.publish()
	c.ready.Store(true)
	c.logger.Infof("reactive controller ready: %d joints, period %v, tol %.3f, traj time %.2fs",
		len(c.joints), c.cfg.Period, c.tol, c.trajTime)
	return nil
}

// Start initializes the hardware and launches the control worker.
func (c *Controller) Start(ctx context.Context) error {
	if c.cancel != nil {
		return errors.New("controller already started")
	}
	if err := c.init(ctx); err != nil {
		return err
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	utils.PanicCapturingGo(func() {
		c.run(workerCtx)
	})
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.release()

	ticker := c.clk.Ticker(c.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.tick(ctx)
	}
}

// release runs on every worker exit. Motion is stopped and the joints are
// handed back in position mode before anyone closes the hardware.
func (c *Controller) release() {
	c.ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.stopControl(ctx); err != nil {
		c.logger.Errorf("failed to stop joints on shutdown: %v", err)
	}
	if !c.safety.AreJointsHealthyAndSet(ctx, c.joints, ModePosition) {
		c.logger.Warn("could not restore position mode on shutdown")
	}
	c.logger.Info("reactive controller stopped")
}

// Close stops the worker and waits for it to release the hardware.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.halt.Store(true)
		c.ready.Store(false)
		if c.cancel == nil {
			return
		}
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "timed out waiting for control worker")
		}
	})
	return err
}

// Done is closed once the worker has exited and released the hardware.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// tick runs one control cycle.
func (c *Controller) tick(ctx context.Context) {
	now := c.clk.Now()
	c.command = nil
	if err := c.updater.Update(ctx); err != nil {
		c.hardwareFailure(ctx, err)
		c.publish()
		return
	}

	failuresBefore := c.cycle.failures
	c.consumePending(ctx, now)
	c.advance(ctx, now)
	if c.cycle.failures == failuresBefore {
		c.cycle.failures = 0
	}
	c.publish()
}

// hardwareFailure skips the rest of the cycle. While a task is running the
// joints are held, and enough consecutive failures fault the cycle.
func (c *Controller) hardwareFailure(ctx context.Context, err error) {
	c.cycle.failures++
	c.logger.Warnf("control cycle skipped (%d/%d consecutive failures): %v",
		c.cycle.failures, c.cfg.FailureThreshold, err)
	if !c.cycle.state.moving() {
		return
	}
	if c.cycle.failures >= c.cfg.FailureThreshold {
		c.fault(ctx, fmt.Sprintf("persistent hardware failure: %v", err))
		return
	}
	if err := c.stopControl(ctx); err != nil {
		c.logger.Warnf("failed to hold joints: %v", err)
	}
}

func (c *Controller) consumePending(ctx context.Context, now time.Time) {
	u := c.pending.take()
	if u.empty() {
		return
	}
	if u.verbosity != nil {
		c.verbosity = *u.verbosity
		c.logger.Infof("verbosity set to %d", c.verbosity)
	}
	if u.tol != nil {
		c.tol = *u.tol
		c.printMessage(1, "tolerance set to %.3f", c.tol)
	}
	if u.trajTime != nil {
		c.trajTime = *u.trajTime
		c.printMessage(1, "trajectory time set to %.2fs", c.trajTime)
	}
	if u.stop {
		// an in-flight solve has seen the halt by now
		c.halt.Store(c.closing.Load())
		if c.cycle.state == StateFaulted {
			if err := c.stopControl(ctx); err != nil {
				c.logger.Errorf("stop failed: %v", err)
			}
		} else {
			c.finish(ctx, StateIdle, "stop requested")
		}
	}
	if u.target != nil {
		c.beginTask(ctx, now, u.target)
	}
}

// beginTask replaces the active trajectory with one starting at the pose
// read this cycle.
func (c *Controller) beginTask(ctx context.Context, now time.Time, req *targetRequest) {
	x := c.updater.state.Pose
	xd := req.pose
	if req.relative {
		xd = offsetPose(x, req.pose)
	}
	if c.cycle.state.moving() {
		if err := c.stopControl(ctx); err != nil {
			c.logger.Warnf("failed to hold joints for new target: %v", err)
		}
	}
	c.traj = Trajectory{X0: x, Xd: xd, T0: now, Duration: c.trajTime, Profile: c.cfg.Profile}
	prev := c.cycle.transition(StateInitializing, "new target")
	c.logger.Infof("new target %v (from %s), trajectory %.2fs", xd.Point(), prev, c.trajTime)
}

func (c *Controller) advance(ctx context.Context, now time.Time) {
	switch c.cycle.state {
	case StateIdle, StateFaulted:
	case StateInitializing:
		if !c.safety.AreJointsHealthyAndSet(ctx, c.joints, ModeVelocity) {
			c.fault(ctx, "could not switch joints to velocity mode")
			return
		}
		c.cycle.transition(StateTracking, "velocity mode confirmed")
		c.printMessage(1, "tracking started")
	case StateTracking:
		c.track(ctx, now)
	case StateConverged:
		c.cycle.transition(StateIdle, "task complete")
	}
}

// track is one step of the tracking loop: converge check, trajectory
// sample, solve, safety check, dispatch.
func (c *Controller) track(ctx context.Context, now time.Time) {
	state := c.updater.state
	if e := poseError(c.traj.Xd, state.Pose, c.cfg.Solve.PoseControl); e < c.tol {
		c.finish(ctx, StateConverged, fmt.Sprintf("pose error %.3f below tolerance %.3f", e, c.tol))
		c.logger.Infof("target reached after %d steps", c.cycle.step)
		return
	}

	c.cycle.step++
	xr := c.traj.Sample(now)
	verdict := c.orch.Solve(ctx, state, xr)
	c.cycle.recordCode(verdict.Result.Code)
	switch verdict.Outcome {
	case OutcomeRejected:
		c.fault(ctx, verdict.Detail)
		return
	case OutcomeCancelled:
		c.finish(ctx, StateIdle, verdict.Detail)
		return
	case OutcomeBestEffort:
		c.printMessage(1, "step %d: %s", c.cycle.step, verdict.Detail)
	}

	if !c.safety.AreJointsHealthyAndSet(ctx, c.joints, ModeVelocity) {
		c.fault(ctx, "joints became unhealthy while tracking")
		return
	}
	v, err := c.disp.Control(ctx, state.Q, verdict.Result.Q, c.joints)
	if err != nil {
		c.hardwareFailure(ctx, err)
		return
	}
	c.command = v
	c.printMessage(2, "step %d: s=%.3f err=%.3f solver=%s iters=%d v=%v",
		c.cycle.step, c.traj.Progress(now), poseError(c.traj.Xd, state.Pose, c.cfg.Solve.PoseControl),
		verdict.Result.Code, verdict.Result.Iterations, v)
}

// finish stops motion and leaves the task in next.
func (c *Controller) finish(ctx context.Context, next CycleState, reason string) {
	if err := c.stopControl(ctx); err != nil {
		c.logger.Errorf("failed to stop joints: %v", err)
	}
	c.cycle.transition(next, reason)
	c.printMessage(1, "%s: %s", next, reason)
}

// fault stops motion and latches Faulted until a new target arrives.
func (c *Controller) fault(ctx context.Context, reason string) {
	if err := c.stopControl(ctx); err != nil {
		c.logger.Errorf("failed to stop joints: %v", err)
	}
	c.cycle.transition(StateFaulted, reason)
	c.logger.Errorf("control faulted: %s", reason)
}

// stopControl sends zero velocity to every joint in a single command.
func (c *Controller) stopControl(ctx context.Context) error {
	return c.disp.Stop(ctx)
}

func (c *Controller) printMessage(level int, format string, args ...interface{}) {
	if c.verbosity >= level {
		c.logger.Infof(format, args...)
	}
}

func (c *Controller) publish() {
	state := c.updater.state
	s := Status{
		State:     c.cycle.state,
		Step:      c.cycle.step,
		Failures:  c.cycle.failures,
		Code:      c.cycle.lastCode,
		HasCode:   c.cycle.hasCode,
		Task:      c.cycle.isTask,
		Reason:    c.cycle.reason,
		Q:         state.copyQ(),
		Pose:      state.Pose,
		Start:     c.traj.X0,
		Target:    c.traj.Xd,
		Tol:       c.tol,
		TrajTime:  c.trajTime,
		Verbosity: c.verbosity,
		Command:   append([]float64(nil), c.command...),
		UpdatedAt: state.ReadAt,
	}
	if c.traj.Xd != nil && state.Pose != nil {
		s.Error = poseError(c.traj.Xd, state.Pose, c.cfg.Solve.PoseControl)
	}
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

// Status returns the state published by the last cycle.
func (c *Controller) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// Ready reports whether the controller accepts updates.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

func validPose(p spatialmath.Pose) bool {
	if p == nil {
		return false
	}
	pt := p.Point()
	for _, v := range []float64{pt.X, pt.Y, pt.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// SetNewTarget starts a new tracking episode toward pose on the next cycle.
func (c *Controller) SetNewTarget(pose spatialmath.Pose) bool {
	if !c.ready.Load() || !validPose(pose) {
		return false
	}
	c.pending.setTarget(pose, false)
	return true
}

// SetNewRelativeTarget starts a new episode toward the current pose offset
// by delta. The current pose is the one read on the next cycle.
func (c *Controller) SetNewRelativeTarget(delta spatialmath.Pose) bool {
	if !c.ready.Load() || !validPose(delta) {
		return false
	}
	c.pending.setTarget(delta, true)
	return true
}

// SetTol sets the convergence tolerance. It must be positive.
func (c *Controller) SetTol(tol float64) bool {
	if !c.ready.Load() || !(tol > 0) || math.IsInf(tol, 0) {
		return false
	}
	c.pending.setTol(tol)
	return true
}

// SetTrajTime sets the duration of trajectories started afterwards.
func (c *Controller) SetTrajTime(seconds float64) bool {
	if !c.ready.Load() || seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return false
	}
	c.pending.setTrajTime(seconds)
	return true
}

// SetVerbosity sets the diagnostic level: 0 lifecycle only, 1 transitions
// and solver warnings, 2 every step.
func (c *Controller) SetVerbosity(level int) bool {
	if !c.ready.Load() || level < 0 || level > 2 {
		return false
	}
	c.pending.setVerbosity(level)
	return true
}

// Stop ends the active task on the next cycle. A solve already running is
// halted and the flag is cleared once the stop has been consumed.
func (c *Controller) Stop() bool {
	if !c.ready.Load() {
		return false
	}
	c.halt.Store(true)
	c.pending.setStop()
	return true
}
