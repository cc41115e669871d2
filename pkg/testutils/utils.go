package testutils

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cluster-power-manager/pstate-engine/pkg/power"
	"github.com/stretchr/testify/mock"
)

type MockEngine struct {
	mock.Mock
	power.Engine
}

func (m *MockEngine) Initialize() error {
	return m.Called().Error(0)
}

func (m *MockEngine) Deinitialize() error {
	return m.Called().Error(0)
}

func (m *MockEngine) CurrentPState() (uint16, error) {
	args := m.Called()
	return args.Get(0).(uint16), args.Error(1)
}

func (m *MockEngine) SetPState(pstate uint16) error {
	return m.Called(pstate).Error(0)
}

func (m *MockEngine) CurrentFrequencyKHz() (uint64, bool, error) {
	args := m.Called()
	return args.Get(0).(uint64), args.Bool(1), args.Error(2)
}

func (m *MockEngine) LastFrequencyKHz() (uint64, bool, error) {
	args := m.Called()
	return args.Get(0).(uint64), args.Bool(1), args.Error(2)
}

func (m *MockEngine) SetFrequency(targetKHz uint64) (uint16, error) {
	args := m.Called(targetKHz)
	return args.Get(0).(uint16), args.Error(1)
}

func (m *MockEngine) GetCPU() uint {
	return m.Called().Get(0).(uint)
}

func (m *MockEngine) GetState() power.State {
	return m.Called().Get(0).(power.State)
}

func (m *MockEngine) GetCapabilities() power.CapabilitySet {
	return m.Called().Get(0).(power.CapabilitySet)
}

func (m *MockEngine) GetFeaturesInfo() power.FeatureSet {
	ret := m.Called().Get(0)
	if ret == nil {
		return nil
	}
	return ret.(power.FeatureSet)
}

func (m *MockEngine) GetDescriptor() power.PStateDescriptor {
	return m.Called().Get(0).(power.PStateDescriptor)
}

func (m *MockEngine) GetTable() *power.CalibrationTable {
	ret := m.Called().Get(0)
	if ret == nil {
		return nil
	}
	return ret.(*power.CalibrationTable)
}

func (m *MockEngine) Close() error {
	return m.Called().Error(0)
}

const (
	fakePerfStatus uint32 = 0x198
	fakePerfCtl    uint32 = 0x199
	fakeMPERF      uint32 = 0xE7
	fakeAPERF      uint32 = 0xE8

	FakeBaseKHz uint64 = 2_000_000
)

// FakeCPU is an Intel CPU without hardware P-states that switches P-state instantly
// and runs at selector>>8 * 100 MHz.
type FakeCPU struct {
	mutex    sync.Mutex
	regs     map[uint32]uint64
	declined map[uint16]bool
}

// NewFakeCPU returns a FakeCPU at P-state 0x1400 that never confirms the declined selectors.
func NewFakeCPU(declined ...uint16) *FakeCPU {
	cpu := &FakeCPU{
		regs:     map[uint32]uint64{fakePerfCtl: 0x1400, fakePerfStatus: 0x1400},
		declined: map[uint16]bool{},
	}
	for _, pstate := range declined {
		cpu.declined[pstate] = true
	}
	return cpu
}

// Hardware wraps the FakeCPU for power.NewEngine
func (f *FakeCPU) Hardware() *power.Hardware {
	return &power.Hardware{
		MSR:        f,
		CPUID:      f,
		Interrupts: f,
		Cycles:     f,
		Busy:       f,
		Spinner:    f,
	}
}

func (f *FakeCPU) CPUID(leaf, _ uint32) (power.CPUIDRegs, error) {
	switch leaf {
	case 0x0:
		vendor := []byte("GenuineIntel")
		return power.CPUIDRegs{
			EAX: 0x16,
			EBX: binary.LittleEndian.Uint32(vendor[0:4]),
			EDX: binary.LittleEndian.Uint32(vendor[4:8]),
			ECX: binary.LittleEndian.Uint32(vendor[8:12]),
		}, nil
	case 0x1:
		return power.CPUIDRegs{EDX: 1 << 4}, nil
	case 0x6:
		return power.CPUIDRegs{ECX: 1}, nil
	case 0x16:
		return power.CPUIDRegs{EAX: uint32(FakeBaseKHz / 1000), EBX: 4000}, nil
	}
	return power.CPUIDRegs{}, nil
}

func (f *FakeCPU) ReadMSR(addr uint32) (uint64, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.regs[addr], nil
}

func (f *FakeCPU) WriteMSR(addr uint32, value uint64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.regs[addr] = value
	if selector := uint16(value); addr == fakePerfCtl && !f.declined[selector] {
		f.regs[fakePerfStatus] = uint64(selector)
	}
	return nil
}

func (f *FakeCPU) Mask() (power.MaskToken, error) { return nil, nil }

func (f *FakeCPU) Unmask(power.MaskToken) error { return nil }

func (f *FakeCPU) Cycles() (uint64, error) {
	return f.ReadMSR(fakeMPERF)
}

func (f *FakeCPU) BusyWait(iterations uint64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	ref := iterations * 1000
	khz := (f.regs[fakePerfStatus] & 0xFFFF >> 8) * 100_000
	f.regs[fakeMPERF] += ref
	f.regs[fakeAPERF] += ref * khz / FakeBaseKHz
}

func (f *FakeCPU) Spin(time.Duration) {}

// NewReadyEngine calibrates 0x0800, 0x1000 and a declined 0x1800 on cpu
func NewReadyEngine(cpu uint) (power.Engine, *FakeCPU, error) {
	fake := NewFakeCPU(0x1800)
	engine, err := power.NewEngine(fake.Hardware(), power.LibConfig{
		CPU:               cpu,
		NumCPUs:           cpu + 1,
		PStates:           &power.PStateRange{Min: 0x0800, Max: 0x1800},
		PStateStep:        0x0800,
		SettleSteps:       3,
		MeasureIterations: 10,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, fake, engine.Initialize()
}
