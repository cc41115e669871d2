package power

import (
	"fmt"
	"math/bits"
	"time"

	"k8s.io/utils/clock"
)

// Sample is the per-CPU state of the frequency estimator. The zero value is a valid,
// unprimed sample.
type Sample struct {
	LastAPERF     uint64
	LastMPERF     uint64
	LastKHz       uint64
	LastTimestamp time.Time
}

func (s *Sample) primed() bool {
	return s.LastAPERF != 0 || s.LastMPERF != 0
}

// estimator derives the average frequency since the previous sample from APERF/MPERF.
// The result is relative: the first call after boot averages over the whole uptime.
type estimator struct {
	regs    registerControl
	masker  InterruptMasker
	clock   clock.PassiveClock
	baseKHz uint64
}

// sample masks interrupts around exactly the counter read pair, not the computation
func (e *estimator) sample(s *Sample) (uint64, bool, error) {
	token, err := e.masker.Mask()
	if err != nil {
		return 0, false, fmt.Errorf("failed to mask interrupts: %w", err)
	}
	aperf, mperf, readErr := e.regs.readCounters()
	if err := e.masker.Unmask(token); err != nil {
		return 0, false, fmt.Errorf("failed to unmask interrupts: %w", err)
	}
	if readErr != nil {
		return 0, false, readErr
	}
	return e.update(s, aperf, mperf)
}

// sampleMasked is sample for callers already holding the mask
func (e *estimator) sampleMasked(s *Sample) (uint64, bool, error) {
	aperf, mperf, err := e.regs.readCounters()
	if err != nil {
		return 0, false, err
	}
	return e.update(s, aperf, mperf)
}

func (e *estimator) update(s *Sample, aperf, mperf uint64) (uint64, bool, error) {
	// modular subtraction, a single wrap of either counter still gives the right delta
	aperfDelta := aperf - s.LastAPERF
	mperfDelta := mperf - s.LastMPERF
	if mperfDelta == 0 {
		return 0, false, nil
	}

	khz, err := scaleKHz(e.baseKHz, aperfDelta, mperfDelta)
	if err != nil {
		return 0, false, err
	}

	s.LastAPERF = aperf
	s.LastMPERF = mperf
	s.LastKHz = khz
	s.LastTimestamp = e.clock.Now()
	return khz, true, nil
}

// scaleKHz returns base*num/den using a 128 bit intermediate product
func scaleKHz(base, num, den uint64) (uint64, error) {
	hi, lo := bits.Mul64(base, num)
	if hi >= den {
		return 0, fmt.Errorf("frequency estimate overflows: base %d kHz, aperf delta %d, mperf delta %d", base, num, den)
	}
	quo, _ := bits.Div64(hi, lo, den)
	return quo, nil
}
