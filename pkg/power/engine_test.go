package power

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

func setupEngineTests(t *testing.T, vendor string) (*engineImpl, *virtualCPU, func()) {
	SetLogger(zap.New(zap.UseDevMode(true), zap.WriteTo(io.Discard), zap.Level(zapcore.Level(-4))))

	cpu := newVirtualCPU(vendor)
	engine, err := NewEngine(cpu.hardware(), testConf())
	require.NoError(t, err)

	return engine.(*engineImpl), cpu, func() {
		SetLogger(logr.Discard())
	}
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(nil, testConf())
	assert.Error(t, err)

	hw := newVirtualCPU(vendorIDIntel).hardware()
	hw.Busy = nil
	hw.Spinner = nil
	_, err = NewEngine(hw, testConf())
	assert.ErrorContains(t, err, "busy waiter missing")
	assert.ErrorContains(t, err, "spinner missing")

	conf := testConf()
	conf.CPU = 2
	_, err = NewEngine(newVirtualCPU(vendorIDIntel).hardware(), conf)
	assert.ErrorContains(t, err, "invalid configuration")

	hw = newVirtualCPU(vendorIDIntel).hardware()
	hw.Clock = nil
	engine, err := NewEngine(hw, testConf())
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, engine.GetState())
	assert.NotNil(t, hw.Clock)
	assert.Equal(t, uint(0), engine.GetCPU())
	assert.Nil(t, engine.GetTable())
}

func TestEngine_Initialize(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()

	require.NoError(t, engine.Initialize())
	assert.Equal(t, StateReady, engine.GetState())

	caps := engine.GetCapabilities()
	assert.Equal(t, vendorIDIntel, caps.VendorID)
	assert.Equal(t, uint64(2_000_000), caps.BaseKHz)
	assert.True(t, engine.GetFeaturesInfo().isFeatureIdSupported(HardwareAutonomyFeature))

	// autonomy off, legacy scaling on, turbo off with reserved bits intact
	assert.Zero(t, cpu.reg(msrPMEnable)&pmEnableAutonomyMask)
	assert.NotZero(t, cpu.reg(msrMiscEnable)&miscEnableLegacyScalingMask)
	assert.Equal(t, uint64(0x1), cpu.reg(msrMiscEnable)&0x1)
	ctl := unpackControl(cpu.reg(msrPerfCtl))
	assert.False(t, ctl.TurboEnabled)
	assert.Equal(t, virtualReservedBits, ctl.Raw&virtualReservedBits)

	table := engine.GetTable()
	require.NotNil(t, table)
	assert.Equal(t, 25, table.Len())

	desc := engine.GetDescriptor()
	assert.Equal(t, uint16(0x0800), desc.Min)
	assert.Equal(t, uint16(0x2000), desc.Max)
	assert.Equal(t, uint16(0x2000), desc.Current)
	assert.Equal(t, uint64(4_000_000), desc.MaxKHz)

	// only once
	assert.ErrorIs(t, engine.Initialize(), ErrInvalidState)
}

func TestEngine_InitializeWithoutAutonomy(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	cpu.leaves[leafPower] = CPUIDRegs{ECX: leaf6ECXRateCounters}
	delete(cpu.regs, msrPMEnable)

	require.NoError(t, engine.Initialize())
	assert.False(t, engine.GetFeaturesInfo().isFeatureIdSupported(HardwareAutonomyFeature))
	assert.Zero(t, cpu.writeCount(msrPMEnable))
}

func TestEngine_InitializeUnsupported(t *testing.T) {
	for _, vendor := range []string{vendorIDAMD, "HygonGenuine"} {
		engine, cpu, teardown := setupEngineTests(t, vendor)

		err := engine.Initialize()
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.Equal(t, StateUninitialized, engine.GetState())
		// nothing touched
		assert.Zero(t, cpu.writeCount(msrPerfCtl))
		assert.Zero(t, cpu.writeCount(msrPMEnable))
		assert.Zero(t, cpu.writeCount(msrMiscEnable))
		assert.Nil(t, engine.GetTable())

		_, err = engine.CurrentPState()
		assert.ErrorIs(t, err, ErrNotReady)
		teardown()
	}

	// Intel without rate counters
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	cpu.leaves[leafPower] = CPUIDRegs{}
	err := engine.Initialize()
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, StateUninitialized, engine.GetState())
	assert.Zero(t, cpu.writeCount(msrPerfCtl))
}

func TestEngine_InitializeBaseFromConfig(t *testing.T) {
	cpu := newVirtualCPU(vendorIDIntel)
	cpu.leaves[leafVendor] = vendorRegs(vendorIDIntel, leafPower)
	cpu.baseKHz = 1_000_000

	// no leaf 0x16 and nothing configured
	engine, err := NewEngine(cpu.hardware(), testConf())
	require.NoError(t, err)
	assert.ErrorIs(t, engine.Initialize(), ErrUnsupported)

	conf := testConf()
	conf.BaseFrequencyKHz = 1_000_000
	engine, err = NewEngine(cpu.hardware(), conf)
	require.NoError(t, err)
	require.NoError(t, engine.Initialize())
	assert.Equal(t, "configuration", engine.GetFeaturesInfo()[BaseFrequencyFeature].Driver())

	khz, ok := engine.GetTable().Lookup(0x1000)
	assert.True(t, ok)
	assert.Equal(t, uint64(1_600_000), khz)
}

func TestEngine_InitializeTakeoverFault(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	cpu.faults[msrMiscEnable] = fmt.Errorf("#GP")

	err := engine.Initialize()
	assert.ErrorIs(t, err, ErrHardwareFault)
	assert.ErrorContains(t, err, "legacy frequency scaling")
	assert.Equal(t, StateUninitialized, engine.GetState())
	assert.Nil(t, engine.GetTable())

	// autonomy and turbo were already off, both are handed back
	assert.Equal(t, pmEnableAutonomyMask, cpu.reg(msrPMEnable))
	ctl := unpackControl(cpu.reg(msrPerfCtl))
	assert.Equal(t, uint16(0x1400), ctl.Selector)
	assert.True(t, ctl.TurboEnabled)
	assert.Equal(t, virtualReservedBits, ctl.Raw&virtualReservedBits)
	assert.Equal(t, uint16(0x1400), engine.GetDescriptor().Current)

	// after the fault is gone the engine comes up normally
	delete(cpu.faults, msrMiscEnable)
	require.NoError(t, engine.Initialize())
	assert.Equal(t, StateReady, engine.GetState())
}

func TestEngine_InitializeTakeoverRollbackFault(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	cpu.faults[msrMiscEnable] = fmt.Errorf("#GP")
	// turbo is cleared, then legacy scaling faults and so does the control register rollback
	engine.regs.dev = &faultAfterWrites{virtualCPU: cpu, addr: msrPerfCtl, after: 1}

	err := engine.Initialize()
	assert.ErrorContains(t, err, "legacy frequency scaling")
	assert.ErrorContains(t, err, "failed to restore P-state 0x1400")
	assert.Equal(t, StateUninitialized, engine.GetState())
	// the remaining registers are still handed back
	assert.Equal(t, pmEnableAutonomyMask, cpu.reg(msrPMEnable))
}

// faultAfterWrites fails every write to addr after the first few succeeded
type faultAfterWrites struct {
	*virtualCPU
	addr  uint32
	after int
}

func (f *faultAfterWrites) WriteMSR(addr uint32, value uint64) error {
	if addr == f.addr {
		if f.after == 0 {
			return fmt.Errorf("#GP")
		}
		f.after--
	}
	return f.virtualCPU.WriteMSR(addr, value)
}

func TestEngine_InitializeCalibrationFault(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	cpu.khzFor = func(pstate uint16) uint64 {
		if pstate == 0x1000 {
			cpu.faults[msrAPERF] = fmt.Errorf("#MC")
		}
		return uint64(pstate>>8) * 100_000
	}

	err := engine.Initialize()
	assert.ErrorIs(t, err, ErrHardwareFault)
	assert.ErrorContains(t, err, "calibration incomplete")
	// partial table, still usable
	assert.Equal(t, StateReady, engine.GetState())
	assert.Equal(t, 8, engine.GetTable().Len())

	delete(cpu.faults, msrAPERF)
	pstate, err := engine.SetFrequency(1_550_000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0F00), pstate)
}

func TestEngine_SetPState(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	require.NoError(t, engine.Initialize())

	require.NoError(t, engine.SetPState(0x1200))
	pstate, err := engine.CurrentPState()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1200), pstate)
	assert.Equal(t, uint16(0x1200), engine.GetDescriptor().Current)

	// in range but not a calibration step
	require.NoError(t, engine.SetPState(0x1234))
	pstate, err = engine.CurrentPState()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), pstate)

	writes := cpu.writeCount(msrPerfCtl)
	err = engine.SetPState(0x2100)
	assert.ErrorIs(t, err, ErrRange)
	assert.ErrorContains(t, err, "requested P-state 0x2100 is higher than 0x2000 allowed by the hardware")
	err = engine.SetPState(0x0700)
	assert.ErrorIs(t, err, ErrRange)
	assert.ErrorContains(t, err, "is lower than 0x800")
	assert.Equal(t, writes, cpu.writeCount(msrPerfCtl))
	assert.Equal(t, uint16(0x1234), engine.GetDescriptor().Current)
}

func TestEngine_CurrentPStateLags(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	require.NoError(t, engine.Initialize())

	cpu.settleReads = 1
	require.NoError(t, engine.SetPState(0x0900))
	pstate, err := engine.CurrentPState()
	require.NoError(t, err)
	// the status register has not caught up yet
	assert.Equal(t, uint16(0x2000), pstate)
	assert.Equal(t, uint16(0x0900), engine.GetDescriptor().Current)

	pstate, err = engine.CurrentPState()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0900), pstate)
}

func TestEngine_CurrentFrequencyKHz(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	require.NoError(t, engine.Initialize())
	require.NoError(t, engine.SetPState(0x1500))
	_, err := engine.CurrentPState()
	require.NoError(t, err)

	// first call primes the sample over its own window
	khz, ok, err := engine.CurrentFrequencyKHz()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2_100_000), khz)

	// nothing ran in between
	khz, ok, err = engine.CurrentFrequencyKHz()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, khz)

	cpu.BusyWait(100)
	khz, ok, err = engine.CurrentFrequencyKHz()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2_100_000), khz)

	cell, err := engine.samples.get(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_100_000), cell.LastKHz)
}

func TestEngine_LastFrequencyKHz(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()

	_, _, err := engine.LastFrequencyKHz()
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, engine.Initialize())
	require.NoError(t, engine.SetPState(0x1500))
	_, err = engine.CurrentPState()
	require.NoError(t, err)

	khz, ok, err := engine.LastFrequencyKHz()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, khz)

	_, _, err = engine.CurrentFrequencyKHz()
	require.NoError(t, err)
	mperfReads := cpu.reads[msrMPERF]

	// reading the last estimate leaves the counters and the sample alone
	for i := 0; i < 3; i++ {
		khz, ok, err = engine.LastFrequencyKHz()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(2_100_000), khz)
	}
	assert.Equal(t, mperfReads, cpu.reads[msrMPERF])

	cpu.BusyWait(100)
	khz, ok, err = engine.CurrentFrequencyKHz()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2_100_000), khz)
}

// gatedMSR holds the first control register write of gate until release is closed
type gatedMSR struct {
	*virtualCPU
	gate    uint16
	written chan struct{}
	release chan struct{}
}

func (g *gatedMSR) WriteMSR(addr uint32, value uint64) error {
	err := g.virtualCPU.WriteMSR(addr, value)
	if addr == msrPerfCtl && unpackControl(value).Selector == g.gate {
		close(g.written)
		<-g.release
	}
	return err
}

func TestEngine_ControlWritesSerialized(t *testing.T) {
	_, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()

	gated := &gatedMSR{
		virtualCPU: cpu,
		gate:       0x0880,
		written:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	hw := cpu.hardware()
	hw.MSR = gated
	engine, err := NewEngine(hw, testConf())
	require.NoError(t, err)
	// 0x0880 is between calibration steps, so only the write below hits the gate
	require.NoError(t, engine.Initialize())

	first := make(chan error, 1)
	go func() {
		first <- engine.SetPState(0x0880)
	}()
	<-gated.written

	second := make(chan error, 1)
	go func() {
		_, err := engine.SetFrequency(1_000_000)
		second <- err
	}()

	select {
	case err := <-second:
		t.Fatalf("SetFrequency finished while SetPState was still writing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	// the later write wins on the hardware and in the descriptor alike
	ctl := unpackControl(cpu.reg(msrPerfCtl))
	assert.Equal(t, uint16(0x0A00), ctl.Selector)
	assert.Equal(t, ctl.Selector, engine.GetDescriptor().Current)
}

func TestEngine_SetFrequency(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	cpu.declined[0x1500] = true
	require.NoError(t, engine.Initialize())

	pstate, err := engine.SetFrequency(2_449_999)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1800), pstate)
	assert.Equal(t, uint16(0x1800), unpackControl(cpu.reg(msrPerfCtl)).Selector)

	// the declined selector is a hole, its neighbours tie and the lower one wins
	pstate, err = engine.SetFrequency(2_100_000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1400), pstate)

	pstate, err = engine.SetFrequency(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0800), pstate)
	assert.Equal(t, uint16(0x0800), engine.GetDescriptor().Current)
}

func TestEngine_SetFrequencyEmptyTable(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	cpu.settleReads = 100
	require.NoError(t, engine.Initialize())
	assert.Zero(t, engine.GetTable().Len())

	writes := cpu.writeCount(msrPerfCtl)
	_, err := engine.SetFrequency(2_000_000)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, writes, cpu.writeCount(msrPerfCtl))
}

func TestEngine_Deinitialize(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()

	assert.ErrorIs(t, engine.Deinitialize(), ErrNotReady)

	require.NoError(t, engine.Initialize())
	require.NoError(t, engine.SetPState(0x0A00))
	require.NoError(t, engine.Deinitialize())

	assert.Equal(t, StateUninitialized, engine.GetState())
	assert.Nil(t, engine.GetTable())
	ctl := unpackControl(cpu.reg(msrPerfCtl))
	assert.Equal(t, uint16(0x1400), ctl.Selector)
	assert.True(t, ctl.TurboEnabled)
	assert.Equal(t, virtualReservedBits, ctl.Raw&virtualReservedBits)
	assert.Equal(t, uint16(0x1400), engine.GetDescriptor().Current)
	// autonomy and the legacy scaling bit are back to what Initialize found
	assert.Equal(t, pmEnableAutonomyMask, cpu.reg(msrPMEnable))
	assert.Equal(t, uint64(0x1), cpu.reg(msrMiscEnable))

	_, err := engine.SetFrequency(2_000_000)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, engine.SetPState(0x1000), ErrNotReady)
	_, _, err = engine.CurrentFrequencyKHz()
	assert.ErrorIs(t, err, ErrNotReady)

	// can be brought up again
	require.NoError(t, engine.Initialize())
	assert.Equal(t, 25, engine.GetTable().Len())
}

func TestEngine_DeinitializeRestoreFault(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	require.NoError(t, engine.Initialize())

	cpu.faults[msrPerfCtl] = fmt.Errorf("#GP")
	err := engine.Deinitialize()
	assert.ErrorIs(t, err, ErrHardwareFault)
	assert.Equal(t, StateUninitialized, engine.GetState())
}

// run-time operations from several goroutines race against each other but never
// against a lifecycle transition
func TestEngine_Concurrent(t *testing.T) {
	engine, cpu, teardown := setupEngineTests(t, vendorIDIntel)
	defer teardown()
	require.NoError(t, engine.Initialize())

	const count = 8
	wg := sync.WaitGroup{}
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				target := uint64(800_000 + 100_000*((i+j)%25))
				pstate, err := engine.SetFrequency(target)
				assert.NoError(t, err)
				assert.Equal(t, uint16(target/100_000)<<8, pstate)

				_, err = engine.CurrentPState()
				assert.NoError(t, err)
				_, _, err = engine.CurrentFrequencyKHz()
				assert.NoError(t, err)
				cpu.BusyWait(1)
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, engine.Deinitialize())
	assert.Zero(t, cpu.maskDepth)
	assert.Equal(t, 1, cpu.maxMaskDepth)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Ready", StateReady.String())
	assert.Equal(t, "DisablingAutonomy", StateDisablingAutonomy.String())
	assert.Equal(t, "State(42)", State(42).String())
}
