package reactctrl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
)

func newTestService(t *testing.T, conf *Config, buses *BusRegistry) (*reactiveService, *clock.Mock) {
	t.Helper()
	_, _, err := conf.Validate("services.0")
	require.NoError(t, err)
	clk := clock.NewMock()
	if buses == nil {
		buses = NewBusRegistry()
	}
	svc, err := newReactiveService(context.Background(), generic.Named("ctrl"), conf, clk, buses, logging.NewTestLogger(t))
	require.NoError(t, err)
	return svc, clk
}

func TestServiceFakeHardwareCommands(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t, &Config{InitialJointsDegs: []float64{0, 10, 20, 10, 0}}, nil)
	defer func() { assert.NoError(t, svc.Close(ctx)) }()

	status, err := svc.DoCommand(ctx, map[string]interface{}{"command": "status"})
	require.NoError(t, err)
	assert.Equal(t, "idle", status["state"])
	assert.Equal(t, false, status["task"])
	assert.Equal(t, 10.0, status["tol"])
	joints := status["joints_degs"].([]interface{})
	require.Len(t, joints, 5)
	assert.InDelta(t, 20, joints[2].(float64), 1e-9)
	assert.NotNil(t, status["pose"])
	assert.NotContains(t, status, "code")

	for _, tc := range []struct {
		cmd      map[string]interface{}
		accepted bool
	}{
		{map[string]interface{}{"command": "set_tol", "tol": 2.0}, true},
		{map[string]interface{}{"command": "set_tol", "tol": -1.0}, false},
		{map[string]interface{}{"command": "set_traj_time", "traj_time": 0.5}, true},
		{map[string]interface{}{"command": "set_verbosity", "verbosity": 2.0}, true},
		{map[string]interface{}{"command": "set_verbosity", "verbosity": 7.0}, false},
		{map[string]interface{}{"command": "stop"}, true},
	} {
		resp, err := svc.DoCommand(ctx, tc.cmd)
		require.NoError(t, err, tc.cmd)
		assert.Equal(t, tc.accepted, resp["accepted"], tc.cmd)
	}

	resp, err := svc.DoCommand(ctx, map[string]interface{}{"command": "set_relative_target", "x": 5.0, "y": 0.0, "z": -5.0})
	require.NoError(t, err)
	assert.Equal(t, true, resp["accepted"])

	require.Eventually(t, func() bool {
		clk.Add(10 * time.Millisecond)
		return svc.controller.Status().Step > 0
	}, 5*time.Second, time.Millisecond)

	status, err = svc.DoCommand(ctx, map[string]interface{}{"command": "status"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, status["tol"])
	assert.Equal(t, 0.5, status["traj_time"])
	assert.Equal(t, 2, status["verbosity"])
	assert.NotNil(t, status["target"])
	assert.Contains(t, status, "code")
}

func TestServiceCommandErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &Config{}, nil)
	defer svc.Close(ctx)

	for _, cmd := range []map[string]interface{}{
		{"command": "dance"},
		{"command": "set_target", "x": 1.0, "y": 2.0},
		{"command": "set_target", "x": "far", "y": 2.0, "z": 3.0},
		{"command": "set_target", "x": 1.0, "y": 2.0, "z": 3.0, "theta": "ninety"},
		{"command": "set_tol"},
		{"command": "set_traj_time", "traj_time": true},
		{"command": "set_verbosity", "verbosity": 1.5},
	} {
		_, err := svc.DoCommand(ctx, cmd)
		assert.Error(t, err, cmd)
	}
}

func TestServiceFeetechHardware(t *testing.T) {
	ctx := context.Background()
	buses, ports, _ := fakeRegistry(t, 1, 2, 3, 4, 5)
	conf := &Config{Hardware: HardwareFeetech, Port: "/dev/ttyUSB0", TimeoutMs: 10}
	svc, _ := newTestService(t, conf, buses)

	refCount, open, _ := buses.Status("/dev/ttyUSB0")
	assert.Equal(t, int64(1), refCount)
	assert.True(t, open)

	// configured on open and stopped once before the first cycle
	port := ports["/dev/ttyUSB0"]
	assert.Equal(t, byte(254), port.register8(3, feetech.RegAcceleration.Address))
	assert.Equal(t, uint16(0), port.register16(5, feetech.RegGoalVelocity.Address))

	status, err := svc.DoCommand(ctx, map[string]interface{}{"command": "status"})
	require.NoError(t, err)
	joints := status["joints_degs"].([]interface{})
	require.Len(t, joints, 5)
	assert.InDelta(t, 4.22, joints[0].(float64), 1e-2)

	require.NoError(t, svc.Close(ctx))
	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "stop"})
	assert.ErrorIs(t, err, ErrNotReady)
	refCount, open, _ = buses.Status("/dev/ttyUSB0")
	assert.Equal(t, int64(0), refCount)
	assert.False(t, open)
	assert.True(t, port.isClosed())
}

func TestServiceRejectsMismatchedServos(t *testing.T) {
	buses, _, _ := fakeRegistry(t, 1, 2)
	conf := &Config{Hardware: HardwareFeetech, Port: "/dev/ttyUSB0", ServoIDs: []int{1, 2}}
	_, _, err := conf.Validate("")
	require.NoError(t, err)
	_, err = newReactiveService(context.Background(), generic.Named("ctrl"), conf, clock.NewMock(), buses, logging.NewTestLogger(t))
	assert.ErrorContains(t, err, "2 servo IDs")
	refCount, _, _ := buses.Status("/dev/ttyUSB0")
	assert.Equal(t, int64(0), refCount)
}

func TestServiceMissingServoReleasesBus(t *testing.T) {
	buses, _, _ := fakeRegistry(t, 1, 2, 3)
	conf := &Config{Hardware: HardwareFeetech, Port: "/dev/ttyUSB0", TimeoutMs: 5}
	_, _, err := conf.Validate("")
	require.NoError(t, err)
	_, err = newReactiveService(context.Background(), generic.Named("ctrl"), conf, clock.NewMock(), buses, logging.NewTestLogger(t))
	assert.ErrorIs(t, err, feetech.ErrNoResponse)
	_, open, _ := buses.Status("/dev/ttyUSB0")
	assert.False(t, open)
}

// stuckHardware blocks encoder reads once stuck is set, ignoring the
// context, like a driver wedged on the bus.
type stuckHardware struct {
	*SimulatedHardware
	stuck   atomic.Bool
	blocked atomic.Bool
	closed  atomic.Bool
	unblock chan struct{}
}

func (h *stuckHardware) ReadEncoders(ctx context.Context) ([]float64, error) {
	if h.stuck.Load() {
		h.blocked.Store(true)
		<-h.unblock
	}
	return h.SimulatedHardware.ReadEncoders(ctx)
}

func (h *stuckHardware) Close(ctx context.Context) error {
	h.closed.Store(true)
	return h.SimulatedHardware.Close(ctx)
}

func TestServiceCloseWaitsForWorkerBeforeHardware(t *testing.T) {
	clk := clock.NewMock()
	chain := cartesianChain(1000)
	sim, err := NewSimulatedHardware(clk, startQ, symmetricLimits(3, 1000))
	require.NoError(t, err)
	hw := &stuckHardware{SimulatedHardware: sim, unblock: make(chan struct{})}
	logger := logging.NewTestLogger(t)
	c, err := NewController(hw, chain, NewDLSSolver(chain), DefaultControllerConfig(), clk, logger)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	svc := &reactiveService{logger: logger, hw: hw, controller: c}

	hw.stuck.Store(true)
	require.Eventually(t, func() bool {
		clk.Add(c.cfg.Period)
		return hw.blocked.Load()
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, svc.Close(ctx))
	assert.False(t, hw.closed.Load())

	close(hw.unblock)
	require.Eventually(t, hw.closed.Load, 5*time.Second, 5*time.Millisecond)
	<-c.Done()
}

func TestParsePose(t *testing.T) {
	pose, err := parsePose(map[string]interface{}{"x": 1.0, "y": 2, "z": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 2.0, pose.Point().Y)
	assert.InDelta(t, 0, pose.Orientation().OrientationVectorDegrees().Theta, 1e-9)

	pose, err = parsePose(map[string]interface{}{"x": 0.0, "y": 0.0, "z": 0.0, "theta": 90.0})
	require.NoError(t, err)
	ov := pose.Orientation().OrientationVectorDegrees()
	assert.InDelta(t, 1, ov.OZ, 1e-9)
	assert.InDelta(t, 90, ov.Theta, 1e-9)
}

func TestServiceRegistered(t *testing.T) {
	reg, ok := resource.LookupRegistration(generic.API, ReactiveControllerModel)
	require.True(t, ok)
	assert.NotNil(t, reg.Constructor)
}
