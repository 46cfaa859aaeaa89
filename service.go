package reactctrl

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/spatialmath"
	rutils "go.viam.com/rdk/utils"
	"go.viam.com/utils"
)

var ReactiveControllerModel = resource.NewModel("devrel", "reactctrl", "reactive-controller")

func init() {
	resource.RegisterService(generic.API, ReactiveControllerModel,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newReactiveControllerService,
		},
	)
}

// reactiveService exposes a Controller through DoCommand.
type reactiveService struct {
	resource.Named
	resource.AlwaysRebuild

	logger     logging.Logger
	cfg        *Config
	hw         Hardware
	controller *Controller
}

func newReactiveControllerService(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	conf.Logger = logger
	return newReactiveService(ctx, rawConf.ResourceName(), conf, clock.New(), defaultBusRegistry(), logger)
}

func newReactiveService(
	ctx context.Context,
	name resource.Name,
	conf *Config,
	clk clock.Clock,
	buses *BusRegistry,
	logger logging.Logger,
) (*reactiveService, error) {
	chain, err := conf.LoadChain()
	if err != nil {
		return nil, fmt.Errorf("failed to load kinematics: %w", err)
	}
	cc, err := conf.ControllerConfig()
	if err != nil {
		return nil, err
	}

	hw, err := openHardware(ctx, conf, chain, clk, buses, logger)
	if err != nil {
		return nil, err
	}

	controller, err := NewController(hw, chain, NewDLSSolver(chain), cc, clk, logger)
	if err != nil {
		return nil, multierr.Combine(err, hw.Close(ctx))
	}
	if err := controller.Start(ctx); err != nil {
		return nil, multierr.Combine(fmt.Errorf("failed to start controller: %w", err), hw.Close(ctx))
	}

	logger.Infof("reactive controller (%s hardware) running with %d joints", conf.Hardware, chain.DoF())
	return &reactiveService{
		Named:      name.AsNamed(),
		logger:     logger,
		cfg:        conf,
		hw:         hw,
		controller: controller,
	}, nil
}

// OpenHardware opens the hardware conf selects. Serial buses are shared
// through the process-wide registry.
func OpenHardware(ctx context.Context, conf *Config, chain Chain, clk clock.Clock, logger logging.Logger) (Hardware, error) {
	return openHardware(ctx, conf, chain, clk, defaultBusRegistry(), logger)
}

func openHardware(ctx context.Context, conf *Config, chain Chain, clk clock.Clock, buses *BusRegistry, logger logging.Logger) (Hardware, error) {
	if conf.Hardware == HardwareFake {
		initial := make([]float64, chain.DoF())
		if len(conf.InitialJointsDegs) > 0 {
			if len(conf.InitialJointsDegs) != chain.DoF() {
				return nil, fmt.Errorf("initial_joints_degs has %d values for %d joints", len(conf.InitialJointsDegs), chain.DoF())
			}
			for i, d := range conf.InitialJointsDegs {
				initial[i] = rutils.DegToRad(d)
			}
		}
		return NewSimulatedHardware(clk, initial, chain.Limits())
	}

	if len(conf.ServoIDs) != chain.DoF() {
		return nil, fmt.Errorf("%d servo IDs configured for a %d joint chain", len(conf.ServoIDs), chain.DoF())
	}
	bus, err := buses.Acquire(BusConfig{Port: conf.Port, Baudrate: conf.Baudrate, Timeout: conf.Timeout(), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize servo bus: %w", err)
	}
	release := func() error {
		buses.Release(conf.Port)
		return nil
	}

	cals, fromFile := conf.LoadCalibration(logger)
	if !fromFile {
		logger.Info("No calibration file loaded, attempting to read from servo registers")
		cals = ReadCalibrationFromServos(ctx, bus, conf.ServoIDs, logger)
	}
	hw, err := NewFeetechHardware(ctx, bus, cals, release, logger)
	if err != nil {
		return nil, multierr.Combine(err, release())
	}
	return hw, nil
}

func (s *reactiveService) Close(ctx context.Context) error {
	s.logger.Info("Closing reactive controller")
	if err := s.controller.Close(ctx); err != nil {
		// the worker still owns the bus, close it once the worker is gone
		s.logger.Warnf("hardware stays open until the control worker exits: %v", err)
		utils.PanicCapturingGo(func() {
			<-s.controller.Done()
			if err := s.hw.Close(context.Background()); err != nil {
				s.logger.Errorf("failed to close hardware: %v", err)
			}
		})
		return err
	}
	return s.hw.Close(ctx)
}

func (s *reactiveService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if cmd["command"] != "status" && !s.controller.Ready() {
		return nil, ErrNotReady
	}
	switch cmd["command"] {
	case "set_target":
		pose, err := parsePose(cmd)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"accepted": s.controller.SetNewTarget(pose)}, nil

	case "set_relative_target":
		pose, err := parsePose(cmd)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"accepted": s.controller.SetNewRelativeTarget(pose)}, nil

	case "set_tol":
		tol, err := requireFloat(cmd, "tol")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"accepted": s.controller.SetTol(tol)}, nil

	case "set_traj_time":
		seconds, err := requireFloat(cmd, "traj_time")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"accepted": s.controller.SetTrajTime(seconds)}, nil

	case "set_verbosity":
		level, err := requireFloat(cmd, "verbosity")
		if err != nil {
			return nil, err
		}
		if level != math.Trunc(level) {
			return nil, fmt.Errorf("verbosity must be an integer, got %v", level)
		}
		return map[string]interface{}{"accepted": s.controller.SetVerbosity(int(level))}, nil

	case "stop":
		return map[string]interface{}{"accepted": s.controller.Stop()}, nil

	case "status":
		return statusMap(s.controller.Status()), nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func requireFloat(cmd map[string]interface{}, key string) (float64, error) {
	v, ok, err := optionalFloat(cmd, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%v command requires '%s' number parameter", cmd["command"], key)
	}
	return v, nil
}

func optionalFloat(cmd map[string]interface{}, key string) (float64, bool, error) {
	raw, exists := cmd[key]
	if !exists {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case int:
		return float64(v), true, nil
	default:
		return 0, false, fmt.Errorf("'%s' must be a number, got %T", key, raw)
	}
}

// parsePose reads x, y, z in mm and an optional orientation vector ox, oy,
// oz, theta with theta in degrees. Without one the orientation is identity.
func parsePose(cmd map[string]interface{}) (spatialmath.Pose, error) {
	var point r3.Vector
	for _, axis := range []struct {
		key string
		dst *float64
	}{{"x", &point.X}, {"y", &point.Y}, {"z", &point.Z}} {
		v, err := requireFloat(cmd, axis.key)
		if err != nil {
			return nil, err
		}
		*axis.dst = v
	}

	ov := &spatialmath.OrientationVectorDegrees{}
	hasOrientation := false
	for _, comp := range []struct {
		key string
		dst *float64
	}{{"ox", &ov.OX}, {"oy", &ov.OY}, {"oz", &ov.OZ}, {"theta", &ov.Theta}} {
		v, ok, err := optionalFloat(cmd, comp.key)
		if err != nil {
			return nil, err
		}
		if ok {
			*comp.dst = v
			hasOrientation = true
		}
	}
	if !hasOrientation {
		return spatialmath.NewPoseFromPoint(point), nil
	}
	if ov.OX == 0 && ov.OY == 0 && ov.OZ == 0 {
		ov.OZ = 1
	}
	return spatialmath.NewPose(point, ov), nil
}

func poseMap(p spatialmath.Pose) map[string]interface{} {
	if p == nil {
		return nil
	}
	pt := p.Point()
	ov := p.Orientation().OrientationVectorDegrees()
	return map[string]interface{}{
		"x": pt.X, "y": pt.Y, "z": pt.Z,
		"ox": ov.OX, "oy": ov.OY, "oz": ov.OZ, "theta": ov.Theta,
	}
}

func statusMap(s Status) map[string]interface{} {
	joints := make([]interface{}, len(s.Q))
	for i, q := range s.Q {
		joints[i] = rutils.RadToDeg(q)
	}
	command := make([]interface{}, len(s.Command))
	for i, v := range s.Command {
		command[i] = rutils.RadToDeg(v)
	}
	m := map[string]interface{}{
		"state":                s.State.String(),
		"step":                 s.Step,
		"failures":             s.Failures,
		"task":                 s.Task,
		"reason":               s.Reason,
		"joints_degs":          joints,
		"command_degs_per_sec": command,
		"pose":                 poseMap(s.Pose),
		"error":                s.Error,
		"tol":                  s.Tol,
		"traj_time":            s.TrajTime,
		"verbosity":            s.Verbosity,
		"updated_at":           s.UpdatedAt.Format(time.RFC3339Nano),
	}
	if s.Target != nil {
		m["target"] = poseMap(s.Target)
	}
	if s.HasCode {
		m["code"] = s.Code.String()
	}
	return m
}
