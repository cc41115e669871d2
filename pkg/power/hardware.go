package power

import (
	"errors"
	"time"

	"k8s.io/utils/clock"
)

// MSRDevice reads and writes model specific registers of a single logical CPU.
type MSRDevice interface {
	ReadMSR(addr uint32) (uint64, error)
	WriteMSR(addr uint32, value uint64) error
}

// CPUIDRegs holds the four result registers of one CPUID query.
type CPUIDRegs struct {
	EAX, EBX, ECX, EDX uint32
}

// CPUIDReader executes the processor identification instruction.
type CPUIDReader interface {
	CPUID(leaf, subleaf uint32) (CPUIDRegs, error)
}

// MaskToken is handed out by InterruptMasker.Mask and must be returned to Unmask.
type MaskToken any

// InterruptMasker opens and closes a section in which the calling code cannot be
// preempted away from the engine's CPU. Calls are always paired, never nested.
type InterruptMasker interface {
	Mask() (MaskToken, error)
	Unmask(token MaskToken) error
}

// CycleCounter is a free running, monotonic cycle counter.
type CycleCounter interface {
	Cycles() (uint64, error)
}

// BusyWaiter burns CPU time roughly proportional to the iteration count.
// Calibration constants are tuned against it.
type BusyWaiter interface {
	BusyWait(iterations uint64)
}

// Spinner consumes a fixed interval without yielding the processor.
type Spinner interface {
	Spin(d time.Duration)
}

// Hardware bundles the primitives the engine needs for one logical CPU.
type Hardware struct {
	MSR        MSRDevice
	CPUID      CPUIDReader
	Interrupts InterruptMasker
	Cycles     CycleCounter
	Busy       BusyWaiter
	Spinner    Spinner
	// Clock stamps estimator samples, defaults to the real clock
	Clock clock.PassiveClock

	closers []func() error
}

// Close releases the device handles opened for the engine.
func (h *Hardware) Close() error {
	var errs []error
	for _, closeFunc := range h.closers {
		errs = append(errs, closeFunc())
	}
	h.closers = nil
	return errors.Join(errs...)
}

func (h *Hardware) validate() error {
	var errs []error
	if h.MSR == nil {
		errs = append(errs, errors.New("MSR device missing"))
	}
	if h.CPUID == nil {
		errs = append(errs, errors.New("CPUID reader missing"))
	}
	if h.Interrupts == nil {
		errs = append(errs, errors.New("interrupt masker missing"))
	}
	if h.Cycles == nil {
		errs = append(errs, errors.New("cycle counter missing"))
	}
	if h.Busy == nil {
		errs = append(errs, errors.New("busy waiter missing"))
	}
	if h.Spinner == nil {
		errs = append(errs, errors.New("spinner missing"))
	}
	return errors.Join(errs...)
}

// busySpinner spins on a clock until the interval elapsed.
type busySpinner struct {
	clock clock.PassiveClock
}

// NewBusySpinner returns a Spinner that polls clk without sleeping.
func NewBusySpinner(clk clock.PassiveClock) Spinner {
	return &busySpinner{clock: clk}
}

func (s *busySpinner) Spin(d time.Duration) {
	start := s.clock.Now()
	for s.clock.Since(start) < d {
	}
}

// loopBusyWaiter is the calibrated work loop used between counter reads.
type loopBusyWaiter struct{}

// busySink keeps the compiler from dropping the loop body
var busySink uint64

// NewLoopBusyWaiter returns the default BusyWaiter.
func NewLoopBusyWaiter() BusyWaiter {
	return loopBusyWaiter{}
}

func (loopBusyWaiter) BusyWait(iterations uint64) {
	var acc uint64
	for i := uint64(0); i < iterations; i++ {
		acc = acc*6364136223846793005 + i
	}
	busySink = acc
}
