package power

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

// reserved bits the virtual CPU keeps in its control register, writes must carry them over
const virtualReservedBits uint64 = 0xDEAD_0000_0000_0000

func vendorRegs(vendor string, maxLeaf uint32) CPUIDRegs {
	buf := []byte(fmt.Sprintf("%-12s", vendor))
	return CPUIDRegs{
		EAX: maxLeaf,
		EBX: binary.LittleEndian.Uint32(buf[0:4]),
		EDX: binary.LittleEndian.Uint32(buf[4:8]),
		ECX: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// virtualCPU emulates the registers, counters and identification of one logical CPU.
// The effective frequency of a P-state is khzFor(status selector); counters only move
// while BusyWait runs.
type virtualCPU struct {
	mutex sync.Mutex

	leaves map[uint32]CPUIDRegs
	regs   map[uint32]uint64
	writes map[uint32]int
	reads  map[uint32]int

	// status register reads needed before a programmed selector shows up
	settleReads  int
	pendingReads int
	declined     map[uint16]bool
	// faults maps a register address to the error returned on access
	faults map[uint32]error

	khzFor       func(pstate uint16) uint64
	baseKHz      uint64
	mperfPerIter uint64
	tsc          uint64

	maskDepth    int
	maxMaskDepth int
	masks        int
}

func newVirtualCPU(vendor string) *virtualCPU {
	return &virtualCPU{
		leaves: map[uint32]CPUIDRegs{
			leafVendor:    vendorRegs(vendor, leafFrequency),
			leafFeatures:  {EDX: leaf1EDXTSC, ECX: leaf1ECXSpeedStep},
			leafPower:     {EAX: leaf6EAXAutonomy | leaf6EAXEnergyPref, ECX: leaf6ECXRateCounters},
			leafFrequency: {EAX: 2000, EBX: 4000, ECX: 100},
		},
		regs: map[uint32]uint64{
			msrPerfCtl:    virtualReservedBits | perfCtlTurboMask | 0x1400,
			msrPerfStatus: 0x1400,
			msrPMEnable:   pmEnableAutonomyMask,
			msrMiscEnable: 0x1,
			msrMPERF:      0,
			msrAPERF:      0,
		},
		writes:   map[uint32]int{},
		reads:    map[uint32]int{},
		declined: map[uint16]bool{},
		faults:   map[uint32]error{},
		khzFor: func(pstate uint16) uint64 {
			return uint64(pstate>>8) * 100_000
		},
		baseKHz:      2_000_000,
		mperfPerIter: 1000,
	}
}

func (v *virtualCPU) hardware() *Hardware {
	return &Hardware{
		MSR:        v,
		CPUID:      v,
		Interrupts: v,
		Cycles:     v,
		Busy:       v,
		Spinner:    &stepSpinner{clock: testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))},
		Clock:      testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func (v *virtualCPU) CPUID(leaf, _ uint32) (CPUIDRegs, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.leaves[leaf], nil
}

func (v *virtualCPU) ReadMSR(addr uint32) (uint64, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if err := v.faults[addr]; err != nil {
		return 0, err
	}
	val, ok := v.regs[addr]
	if !ok {
		return 0, fmt.Errorf("general protection fault reading %#x", addr)
	}
	v.reads[addr]++
	if addr == msrPerfStatus {
		v.advanceStatus()
		val = v.regs[msrPerfStatus]
	}
	return val, nil
}

func (v *virtualCPU) advanceStatus() {
	target := unpackControl(v.regs[msrPerfCtl]).Selector
	if v.declined[target] {
		return
	}
	if v.pendingReads > 0 {
		v.pendingReads--
		return
	}
	v.regs[msrPerfStatus] = uint64(target)
}

func (v *virtualCPU) WriteMSR(addr uint32, value uint64) error {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if err := v.faults[addr]; err != nil {
		return err
	}
	if _, ok := v.regs[addr]; !ok || addr == msrPerfStatus {
		return fmt.Errorf("general protection fault writing %#x", addr)
	}
	v.writes[addr]++
	v.regs[addr] = value
	if addr == msrPerfCtl {
		v.pendingReads = v.settleReads
	}
	return nil
}

func (v *virtualCPU) Mask() (MaskToken, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.masks++
	v.maskDepth++
	if v.maskDepth > v.maxMaskDepth {
		v.maxMaskDepth = v.maskDepth
	}
	return v.masks, nil
}

func (v *virtualCPU) Unmask(token MaskToken) error {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if v.maskDepth == 0 {
		return fmt.Errorf("unmask without mask, token %v", token)
	}
	v.maskDepth--
	return nil
}

func (v *virtualCPU) Cycles() (uint64, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.tsc, nil
}

func (v *virtualCPU) BusyWait(iterations uint64) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	// time passes, a pending transition may complete
	v.advanceStatus()
	running := unpackStatus(v.regs[msrPerfStatus])
	ref := iterations * v.mperfPerIter
	v.regs[msrMPERF] += ref
	v.regs[msrAPERF] += ref * v.khzFor(running) / v.baseKHz
	v.tsc += ref
}

func (v *virtualCPU) writeCount(addr uint32) int {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.writes[addr]
}

func (v *virtualCPU) reg(addr uint32) uint64 {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.regs[addr]
}

// stepSpinner advances a fake clock instead of burning time
type stepSpinner struct {
	clock *testingclock.FakeClock
	spins int
}

func (s *stepSpinner) Spin(d time.Duration) {
	s.spins++
	s.clock.Step(d)
}

// testConf walks 0x800..0x2000 in ratio steps with tiny budgets
func testConf() LibConfig {
	return LibConfig{
		CPU:               0,
		NumCPUs:           2,
		PStates:           &PStateRange{Min: 0x0800, Max: 0x2000},
		PStateStep:        0x100,
		SettleSteps:       5,
		MeasureIterations: 10,
	}
}
