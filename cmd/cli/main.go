package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"reactctrl"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	rutils "go.viam.com/rdk/utils"
)

const usage = `usage: reactctrl-cli <command> [flags]

commands:
  sim    track a relative target on simulated joints
  read   print joint angles read from a servo bus
  ports  list candidate serial ports`

func main() {
	if err := realMain(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	logger := logging.NewLogger("reactctrl-cli")

	switch args[0] {
	case "sim":
		return runSim(args[1:], logger)
	case "read":
		return runRead(args[1:], logger)
	case "ports":
		for _, port := range reactctrl.ListSerialPorts() {
			fmt.Println(port)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func runSim(args []string, logger logging.Logger) error {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	dx := fs.Float64("dx", 30, "target offset along x, mm")
	dy := fs.Float64("dy", 0, "target offset along y, mm")
	dz := fs.Float64("dz", -20, "target offset along z, mm")
	trajTime := fs.Float64("traj-time", 2, "trajectory duration, seconds")
	timeout := fs.Duration("timeout", 10*time.Second, "give up after this long")
	verbosity := fs.Int("verbosity", 1, "diagnostic level 0-2")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conf := &reactctrl.Config{
		TrajTime:          trajTime,
		Verbosity:         *verbosity,
		InitialJointsDegs: []float64{0, 20, -30, 10, 0},
	}
	if _, _, err := conf.Validate("sim"); err != nil {
		return err
	}
	chain, err := conf.LoadChain()
	if err != nil {
		return err
	}
	cc, err := conf.ControllerConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	clk := clock.New()
	hw, err := reactctrl.OpenHardware(ctx, conf, chain, clk, logger)
	if err != nil {
		return err
	}
	defer hw.Close(ctx)

	ctrl, err := reactctrl.NewController(hw, chain, reactctrl.NewDLSSolver(chain), cc, clk, logger)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Close(ctx)

	if !ctrl.SetNewRelativeTarget(spatialmath.NewPoseFromPoint(r3.Vector{X: *dx, Y: *dy, Z: *dz})) {
		return errors.New("controller rejected the target")
	}

	deadline := time.Now().Add(*timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	started := false
	for range ticker.C {
		s := ctrl.Status()
		fmt.Printf("%-12s step %4d  error %8.3f  pose %v\n", s.State, s.Step, s.Error, s.Pose.Point())
		switch s.State {
		case reactctrl.StateInitializing, reactctrl.StateTracking:
			started = true
		case reactctrl.StateFaulted:
			return fmt.Errorf("controller faulted: %s", s.Reason)
		case reactctrl.StateIdle, reactctrl.StateConverged:
			if started {
				logger.Infof("finished: %s", s.Reason)
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("target not reached within %v", *timeout)
		}
	}
	return nil
}

func runRead(args []string, logger logging.Logger) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	port := fs.String("port", "", "serial port of the servo bus")
	baudrate := fs.Int("baudrate", 1000000, "bus baudrate")
	calibration := fs.String("calibration", "", "calibration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conf := &reactctrl.Config{
		Hardware:        reactctrl.HardwareFeetech,
		Port:            *port,
		Baudrate:        *baudrate,
		CalibrationFile: *calibration,
	}
	if _, _, err := conf.Validate("read"); err != nil {
		return err
	}
	chain, err := conf.LoadChain()
	if err != nil {
		return err
	}
	ctx := context.Background()
	hw, err := reactctrl.OpenHardware(ctx, conf, chain, clock.New(), logger)
	if err != nil {
		return err
	}
	defer hw.Close(ctx)

	q, err := hw.ReadEncoders(ctx)
	if err != nil {
		return err
	}
	joints := make([]int, len(q))
	for i := range joints {
		joints[i] = i
	}
	modes, err := hw.ControlModes(ctx, joints)
	if err != nil {
		return err
	}
	for i, v := range q {
		fmt.Printf("joint %d  %8.2f°  %s\n", i, rutils.RadToDeg(v), modes[i])
	}
	pose, err := chain.Pose(q)
	if err != nil {
		return err
	}
	fmt.Printf("end effector %v\n", pose.Point())
	return nil
}
