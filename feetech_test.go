package reactctrl

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/hipsterbrown/feetech-servo/transports"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

var errNoReply = errors.New("no reply pending")

// fakeServoPort emulates STS servos on the library's mock transport.
// Instruction packets are answered when the bus next reads.
type fakeServoPort struct {
	*transports.MockTransport

	mu      sync.Mutex
	servos  map[byte]*[256]byte
	flags   map[byte]feetech.StatusError
	handled int
	out     bytes.Buffer
	// EEPROM writes that landed while the lock register was set
	lockedWrites []byte
}

func newFakeServoPort(ids ...byte) *fakeServoPort {
	p := &fakeServoPort{
		MockTransport: &transports.MockTransport{},
		servos:        map[byte]*[256]byte{},
		flags:         map[byte]feetech.StatusError{},
	}
	p.ReadFunc = p.read
	for _, id := range ids {
		mem := &[256]byte{}
		binary.LittleEndian.PutUint16(mem[feetech.RegModelNumber.Address:], uint16(feetech.ModelSTS3215.Number))
		mem[feetech.RegTorqueEnable.Address] = 1
		mem[feetech.RegLock.Address] = 1
		binary.LittleEndian.PutUint16(mem[feetech.RegPresentPosition.Address:], 2048)
		p.servos[id] = mem
	}
	return p
}

func newFakeBus(p *fakeServoPort, timeout time.Duration) (*feetech.Bus, error) {
	return feetech.NewBus(feetech.BusConfig{
		Transport:     p,
		Timeout:       timeout,
		MinCommandGap: time.Microsecond,
	})
}

func mustFakeBus(t *testing.T, p *fakeServoPort, timeout time.Duration) *feetech.Bus {
	t.Helper()
	bus, err := newFakeBus(p, timeout)
	require.NoError(t, err)
	return bus
}

func statusPacket(id byte, status feetech.StatusError, params []byte) []byte {
	packet := []byte{0xFF, 0xFF, id, byte(len(params) + 2), byte(status)}
	packet = append(packet, params...)
	var sum byte
	for _, b := range packet[2:] {
		sum += b
	}
	return append(packet, ^sum)
}

func (p *fakeServoPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MockTransport.Write(data)
}

func (p *fakeServoPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MockTransport.Close()
}

func (p *fakeServoPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

func (p *fakeServoPort) read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drain()
	if p.out.Len() == 0 {
		return 0, errNoReply
	}
	return p.out.Read(buf)
}

// drain executes every instruction packet written since the last call.
// Callers hold mu.
func (p *fakeServoPort) drain() {
	data := p.WriteData[p.handled:]
	for len(data) >= 6 {
		total := 4 + int(data[3])
		if total > len(data) {
			break
		}
		p.handle(data[:total])
		data = data[total:]
		p.handled += total
	}
}

func (p *fakeServoPort) handle(packet []byte) {
	id, inst := packet[2], packet[4]
	params := packet[5 : len(packet)-1]

	if inst == feetech.InstSyncWrite {
		addr, width := params[0], int(params[1])
		for rest := params[2:]; len(rest) >= width+1; rest = rest[width+1:] {
			if mem, ok := p.servos[rest[0]]; ok {
				copy(mem[addr:], rest[1:width+1])
			}
		}
		return
	}

	mem, ok := p.servos[id]
	if !ok {
		return
	}
	switch inst {
	case feetech.InstPing:
		p.out.Write(statusPacket(id, p.flags[id], nil))
	case feetech.InstRead:
		addr, n := int(params[0]), int(params[1])
		p.out.Write(statusPacket(id, p.flags[id], append([]byte(nil), mem[addr:addr+n]...)))
	case feetech.InstWrite:
		addr := params[0]
		if addr < feetech.RegTorqueEnable.Address && mem[feetech.RegLock.Address] != 0 {
			p.lockedWrites = append(p.lockedWrites, addr)
		}
		copy(mem[addr:], params[1:])
		p.out.Write(statusPacket(id, p.flags[id], nil))
	}
}

func (p *fakeServoPort) register16(id, addr byte) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drain()
	return binary.LittleEndian.Uint16(p.servos[id][addr:])
}

func (p *fakeServoPort) register8(id, addr byte) byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drain()
	return p.servos[id][addr]
}

func (p *fakeServoPort) setRegister16(id, addr byte, v uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint16(p.servos[id][addr:], v)
}

func (p *fakeServoPort) setFlags(id byte, flags feetech.StatusError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags[id] = flags
}

func (p *fakeServoPort) eepromWritesWhileLocked() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drain()
	return append([]byte(nil), p.lockedWrites...)
}

func TestWordEncoding(t *testing.T) {
	assert.Equal(t, uint16(100), speedWord(100))
	assert.Equal(t, uint16(100|1<<15), speedWord(-100))
	assert.Equal(t, uint16(0x7FFF), speedWord(1<<20))
	assert.Equal(t, uint16(0x7FFF|1<<15), speedWord(-1<<20))
	assert.Equal(t, uint16(0), speedWord(0))

	assert.Equal(t, uint16(10|1<<11), offsetWord(-10))
	assert.Equal(t, uint16(0x7FF), offsetWord(5000))
	assert.Equal(t, -10, decodeOffset(offsetWord(-10)))
	assert.Equal(t, 37, decodeOffset(offsetWord(37)))
}

func TestFakeServoBus(t *testing.T) {
	ctx := context.Background()
	port := newFakeServoPort(1, 3)
	bus := mustFakeBus(t, port, 5*time.Millisecond)

	model, err := bus.Ping(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, feetech.ModelSTS3215.Number, model)

	_, err = bus.Ping(ctx, 7)
	assert.ErrorIs(t, err, feetech.ErrNoResponse)
	assert.False(t, conditionOnly(err))

	port.setFlags(3, feetech.ErrOverload)
	model, err = bus.Ping(ctx, 3)
	require.Error(t, err)
	assert.True(t, conditionOnly(err))
	assert.Equal(t, feetech.ModelSTS3215.Number, model)

	port.setFlags(3, feetech.ErrInstruction)
	_, err = bus.Ping(ctx, 3)
	require.Error(t, err)
	assert.False(t, conditionOnly(err))
}

func TestJointCalibration(t *testing.T) {
	cal := JointCalibration{ID: 1, RangeMin: 1024, RangeMax: 3072}
	require.NoError(t, cal.Validate())
	assert.InDelta(t, 0, cal.ToRadians(2048), 1e-12)
	assert.InDelta(t, -cal.ToRadians(3072), cal.ToRadians(1024), 1e-12)
	assert.InDelta(t, 1.5707963, cal.ToRadians(3072), 1e-6)
	assert.Equal(t, 3072, cal.FromRadians(10))
	assert.Equal(t, 2048+512, cal.FromRadians(cal.ToRadians(2048+512)))

	limits := cal.Limits()
	assert.InDelta(t, -1.5707963, limits.Min, 1e-6)
	assert.InDelta(t, 1.5707963, limits.Max, 1e-6)

	inverted := JointCalibration{ID: 1, DriveMode: 1, RangeMin: 1024, RangeMax: 3072}
	assert.InDelta(t, -cal.ToRadians(3000), inverted.ToRadians(3000), 1e-12)
	assert.Equal(t, -cal.SpeedToTicks(1), inverted.SpeedToTicks(1))
	assert.Equal(t, inverted.Limits(), cal.Limits())

	assert.Error(t, (&JointCalibration{ID: 1, RangeMin: 10, RangeMax: 5}).Validate())
	assert.Error(t, (&JointCalibration{ID: 300, RangeMin: 0, RangeMax: 5}).Validate())
	assert.Error(t, (&JointCalibration{ID: 1, RangeMin: 0, RangeMax: 5000}).Validate())
}

func testCalibrations(ids ...int) []JointCalibration {
	cals := make([]JointCalibration, len(ids))
	for i, id := range ids {
		cals[i] = JointCalibration{ID: id, RangeMin: 500, RangeMax: 3500}
	}
	return cals
}

func TestFeetechHardware(t *testing.T) {
	ctx := context.Background()
	port := newFakeServoPort(1, 2)
	bus := mustFakeBus(t, port, 10*time.Millisecond)
	released := false
	hw, err := NewFeetechHardware(ctx, bus, testCalibrations(1, 2), func() error { released = true; return nil }, logging.NewTestLogger(t))
	require.NoError(t, err)

	// configured on open
	assert.Equal(t, byte(0), port.register8(1, feetech.RegResponseDelay.Address))
	assert.Equal(t, byte(254), port.register8(1, feetech.RegAcceleration.Address))
	assert.Equal(t, uint16(3500), port.register16(2, feetech.RegMaxAngleLimit.Address))

	q, err := hw.ReadEncoders(ctx)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.0736, 0.0736}, q, 1e-3)

	modes, err := hw.ControlModes(ctx, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []ControlMode{ModePosition, ModePosition}, modes)

	require.NoError(t, hw.SetControlModes(ctx, []int{1}, ModeVelocity))
	modes, err = hw.ControlModes(ctx, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []ControlMode{ModePosition, ModeVelocity}, modes)

	goal := feetech.RegGoalVelocity.Address
	require.NoError(t, hw.SetVelocities(ctx, []int{0, 1}, []float64{1, -1}))
	assert.Equal(t, uint16(652), port.register16(1, goal))
	assert.Equal(t, uint16(652|1<<15), port.register16(2, goal))

	limits, err := hw.JointLimits(ctx, []int{0})
	require.NoError(t, err)
	assert.InDelta(t, -2.3009, limits[0].Min, 1e-3)

	port.setRegister16(1, feetech.RegPresentPosition.Address, 2200)
	require.NoError(t, hw.SetControlModes(ctx, []int{0}, ModePosition))
	assert.Equal(t, uint16(2200), port.register16(1, feetech.RegGoalPosition.Address))

	require.NoError(t, hw.Close(ctx))
	assert.True(t, released)
}

func TestFeetechHardwareEEPROMWritesUnlock(t *testing.T) {
	ctx := context.Background()
	port := newFakeServoPort(1, 2)
	bus := mustFakeBus(t, port, 10*time.Millisecond)
	hw, err := NewFeetechHardware(ctx, bus, testCalibrations(1, 2), nil, logging.NewTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, hw.SetControlModes(ctx, []int{0, 1}, ModeVelocity))
	for _, id := range []byte{1, 2} {
		assert.Equal(t, byte(feetech.ModeVelocity), port.register8(id, feetech.RegOperatingMode.Address))
		assert.Equal(t, byte(1), port.register8(id, feetech.RegLock.Address), "servo %d left unlocked", id)
		assert.Equal(t, byte(1), port.register8(id, feetech.RegTorqueEnable.Address))
	}
	// mode, offset, limits and gains all went through an unlocked EEPROM
	assert.Empty(t, port.eepromWritesWhileLocked())
}

func TestFeetechHardwareModes(t *testing.T) {
	ctx := context.Background()
	port := newFakeServoPort(1, 2, 3)
	bus := mustFakeBus(t, port, 10*time.Millisecond)
	hw, err := NewFeetechHardware(ctx, bus, testCalibrations(1, 2, 3), nil, logging.NewTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, hw.SetControlModes(ctx, []int{1}, ModeIdle))
	port.setFlags(3, feetech.ErrOverheat)

	modes, err := hw.ControlModes(ctx, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []ControlMode{ModePosition, ModeIdle, ModeHWFault}, modes)

	// a flagged reading is still a reading
	q, err := hw.ReadEncoders(ctx)
	require.NoError(t, err)
	assert.Len(t, q, 3)

	port.setFlags(3, feetech.ErrInstruction)
	_, err = hw.ControlModes(ctx, []int{2})
	assert.Error(t, err)

	_, err = hw.ControlModes(ctx, []int{5})
	assert.Error(t, err)
}

func TestFeetechHardwareMissingServo(t *testing.T) {
	port := newFakeServoPort(1)
	bus := mustFakeBus(t, port, 5*time.Millisecond)
	_, err := NewFeetechHardware(context.Background(), bus, testCalibrations(1, 2), nil, logging.NewTestLogger(t))
	assert.ErrorIs(t, err, feetech.ErrNoResponse)
}
