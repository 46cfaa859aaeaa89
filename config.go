package reactctrl

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	rutils "go.viam.com/rdk/utils"
)

const (
	HardwareFeetech = "feetech"
	HardwareFake    = "fake"
)

// PoseTaskConfig configures the secondary objective: a point on its own
// kinematic chain pulled toward Target (mm).
type PoseTaskConfig struct {
	KinematicsFile string    `json:"kinematics_file,omitempty"`
	ModelName      string    `json:"model_name,omitempty"`
	Target         []float64 `json:"target"`
	Weights        []float64 `json:"weights,omitempty"`
	Weight         float64   `json:"weight"`
}

// PostureTaskConfig configures the tertiary objective: a preferred joint
// configuration in degrees.
type PostureTaskConfig struct {
	TargetDegs []float64 `json:"target_degs"`
	Weights    []float64 `json:"weights,omitempty"`
	Weight     float64   `json:"weight"`
}

type ScalingConfig struct {
	Objective float64 `json:"objective,omitempty"`
	Variables float64 `json:"variables,omitempty"`
}

// Config is the attribute block of a reactive controller.
type Config struct {
	Hardware string `json:"hardware,omitempty"`

	Port      string `json:"port,omitempty"`
	Baudrate  int    `json:"baudrate,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`

	ServoIDs []int `json:"servo_ids,omitempty"`

	CalibrationFile string `json:"calibration_file,omitempty"`
	KinematicsFile  string `json:"kinematics_file,omitempty"`
	ModelName       string `json:"model_name,omitempty"`

	PeriodMs         int      `json:"period_ms,omitempty"`
	Tol              float64  `json:"tol,omitempty"`
	TrajTime         *float64 `json:"traj_time,omitempty"`
	Profile          string   `json:"profile,omitempty"`
	FailureThreshold int      `json:"failure_threshold,omitempty"`
	VelocityGain     float64  `json:"velocity_gain,omitempty"`
	Verbosity        int      `json:"verbosity,omitempty"`

	MaxJointVelocityDegsPerSec float64 `json:"max_joint_velocity_degs_per_sec,omitempty"`

	MaxIter      int            `json:"max_iter,omitempty"`
	SolverTol    float64        `json:"solver_tol,omitempty"`
	UseHessian   *bool          `json:"use_hessian,omitempty"`
	PoseControl  string         `json:"pose_control,omitempty"`
	PosePriority string         `json:"pose_priority,omitempty"`
	Scaling      *ScalingConfig `json:"scaling,omitempty"`

	Secondary *PoseTaskConfig    `json:"secondary,omitempty"`
	Tertiary  *PostureTaskConfig `json:"tertiary,omitempty"`

	// Starting joint angles of the fake hardware.
	InitialJointsDegs []float64 `json:"initial_joints_degs,omitempty"`

	// Not serialized
	Logger logging.Logger `json:"-"`
}

// Validate ensures all parts of the config are valid
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	switch cfg.Hardware {
	case "":
		cfg.Hardware = HardwareFake
	case HardwareFake, HardwareFeetech:
	default:
		return nil, nil, fmt.Errorf("%s: unknown hardware %q, want %q or %q", path, cfg.Hardware, HardwareFeetech, HardwareFake)
	}

	if cfg.Hardware == HardwareFeetech && cfg.Port == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "port")
	}
	if len(cfg.ServoIDs) == 0 {
		cfg.ServoIDs = []int{1, 2, 3, 4, 5}
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultBaudrate
	}

	for _, check := range []struct {
		name string
		ok   bool
	}{
		{"period_ms", cfg.PeriodMs >= 0},
		{"timeout_ms", cfg.TimeoutMs >= 0},
		{"tol", cfg.Tol >= 0 && !math.IsInf(cfg.Tol, 0)},
		{"traj_time", cfg.TrajTime == nil || (*cfg.TrajTime >= 0 && !math.IsInf(*cfg.TrajTime, 0))},
		{"failure_threshold", cfg.FailureThreshold >= 0},
		{"velocity_gain", cfg.VelocityGain >= 0 && cfg.VelocityGain <= 1},
		{"verbosity", cfg.Verbosity >= 0 && cfg.Verbosity <= 2},
		{"max_joint_velocity_degs_per_sec", cfg.MaxJointVelocityDegsPerSec >= 0},
		{"max_iter", cfg.MaxIter >= 0},
		{"solver_tol", cfg.SolverTol >= 0},
	} {
		if !check.ok {
			return nil, nil, fmt.Errorf("%s: invalid %s", path, check.name)
		}
	}

	if _, err := ParseProfile(cfg.Profile); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := ParsePoseControl(cfg.PoseControl); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := ParsePosePriority(cfg.PosePriority); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if s := cfg.Secondary; s != nil {
		if len(s.Target) != 3 {
			return nil, nil, fmt.Errorf("%s: secondary target must have 3 components", path)
		}
		if len(s.Weights) != 0 && len(s.Weights) != 3 {
			return nil, nil, fmt.Errorf("%s: secondary weights must have 3 components", path)
		}
		if s.Weight < 0 {
			return nil, nil, fmt.Errorf("%s: secondary weight must not be negative", path)
		}
	}
	if p := cfg.Tertiary; p != nil {
		if len(p.Weights) != 0 && len(p.Weights) != len(p.TargetDegs) {
			return nil, nil, fmt.Errorf("%s: tertiary weights must match the %d target joints", path, len(p.TargetDegs))
		}
		if p.Weight < 0 {
			return nil, nil, fmt.Errorf("%s: tertiary weight must not be negative", path)
		}
	}

	return nil, nil, nil
}

// Timeout is the serial reply timeout.
func (cfg *Config) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

// LoadChain returns the configured kinematics, or the embedded SO-101 chain.
func (cfg *Config) LoadChain() (*ModelChain, error) {
	if cfg.KinematicsFile == "" {
		return DefaultModelChain()
	}
	return LoadModelChain(ResolveModuleDataPath(cfg.KinematicsFile), cfg.ModelName)
}

// LoadCalibration loads calibration from file or returns default calibration
// Returns (calibration, fromFile) where fromFile indicates if loaded from file
func (cfg *Config) LoadCalibration(logger logging.Logger) ([]JointCalibration, bool) {
	defaults := DefaultCalibration(cfg.ServoIDs)
	if cfg.CalibrationFile == "" {
		logger.Debug("No calibration file specified, using default calibration")
		return defaults, false
	}

	path := ResolveModuleDataPath(cfg.CalibrationFile)
	cals, err := LoadCalibrationFile(path, defaults)
	if err != nil {
		logger.Warnf("Failed to load calibration from %s: %v, using default calibration", path, err)
		return defaults, false
	}

	logger.Infof("Successfully loaded calibration from %s", path)
	return cals, true
}

// ControllerConfig converts the attributes to controller tuning, loading the
// secondary task chain if one is configured.
func (cfg *Config) ControllerConfig() (ControllerConfig, error) {
	cc := DefaultControllerConfig()
	if cfg.PeriodMs > 0 {
		cc.Period = time.Duration(cfg.PeriodMs) * time.Millisecond
	}
	if cfg.Tol > 0 {
		cc.Tol = cfg.Tol
	}
	if cfg.TrajTime != nil {
		cc.TrajTime = *cfg.TrajTime
	}
	if cfg.FailureThreshold > 0 {
		cc.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.VelocityGain > 0 {
		cc.VelocityGain = cfg.VelocityGain
	}
	cc.MaxJointVelocity = rutils.DegToRad(cfg.MaxJointVelocityDegsPerSec)
	cc.Verbosity = cfg.Verbosity

	var err error
	if cc.Profile, err = ParseProfile(cfg.Profile); err != nil {
		return cc, err
	}
	if cfg.MaxIter > 0 {
		cc.Solve.MaxIter = cfg.MaxIter
	}
	if cfg.SolverTol > 0 {
		cc.Solve.Tol = cfg.SolverTol
	}
	if cfg.UseHessian != nil {
		cc.Solve.UseHessian = *cfg.UseHessian
	}
	if cc.Solve.PoseControl, err = ParsePoseControl(cfg.PoseControl); err != nil {
		return cc, err
	}
	if cc.Solve.PosePriority, err = ParsePosePriority(cfg.PosePriority); err != nil {
		return cc, err
	}
	if cfg.Scaling != nil {
		cc.Solve.Scaling = Scaling{Enabled: true, Objective: cfg.Scaling.Objective, Variables: cfg.Scaling.Variables}
	}

	if s := cfg.Secondary; s != nil {
		var chain *ModelChain
		if s.KinematicsFile == "" {
			chain, err = DefaultModelChain()
		} else {
			chain, err = LoadModelChain(ResolveModuleDataPath(s.KinematicsFile), s.ModelName)
		}
		if err != nil {
			return cc, fmt.Errorf("failed to load secondary task chain: %w", err)
		}
		weights := r3.Vector{X: 1, Y: 1, Z: 1}
		if len(s.Weights) == 3 {
			weights = r3.Vector{X: s.Weights[0], Y: s.Weights[1], Z: s.Weights[2]}
		}
		cc.Secondary = &PoseTask{
			Chain:   chain,
			Target:  r3.Vector{X: s.Target[0], Y: s.Target[1], Z: s.Target[2]},
			Weights: weights,
			Weight:  s.Weight,
		}
	}

	if p := cfg.Tertiary; p != nil {
		target := make([]float64, len(p.TargetDegs))
		for i, d := range p.TargetDegs {
			target[i] = rutils.DegToRad(d)
		}
		weights := p.Weights
		if len(weights) == 0 {
			weights = make([]float64, len(target))
			for i := range weights {
				weights[i] = 1
			}
		}
		cc.Tertiary = &PostureTask{Target: target, Weights: append([]float64(nil), weights...), Weight: p.Weight}
	}

	return cc, cc.validate()
}
