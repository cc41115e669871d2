package power

import (
	"errors"
	"fmt"
	"math"

	"k8s.io/apimachinery/pkg/util/sets"
)

// numSelectors is the count of representable P-state selectors
const numSelectors = math.MaxUint16 + 1

// unmeasured marks a hole: a selector that was skipped or declined by the hardware
const unmeasured = math.MaxUint64

// CalibrationEntry is one measured point of the calibration table.
type CalibrationEntry struct {
	PState uint16
	KHz    uint64
}

// CalibrationTable maps every selector directly to the frequency it achieved.
// It is written only by calibrate and is read-only afterwards.
type CalibrationTable struct {
	khz [numSelectors]uint64
	// Declined holds selectors the hardware never confirmed within the settle budget.
	Declined sets.Set[uint16]
}

func newCalibrationTable() *CalibrationTable {
	t := &CalibrationTable{Declined: sets.New[uint16]()}
	for i := range t.khz {
		t.khz[i] = unmeasured
	}
	return t
}

func (t *CalibrationTable) set(pstate uint16, khz uint64) {
	t.khz[pstate] = khz
}

// Lookup returns the frequency measured for pstate, false for a hole.
func (t *CalibrationTable) Lookup(pstate uint16) (uint64, bool) {
	khz := t.khz[pstate]
	return khz, khz != unmeasured
}

// Entries lists measured selectors in increasing order.
func (t *CalibrationTable) Entries() []CalibrationEntry {
	entries := make([]CalibrationEntry, 0)
	for pstate, khz := range t.khz {
		if khz != unmeasured {
			entries = append(entries, CalibrationEntry{PState: uint16(pstate), KHz: khz})
		}
	}
	return entries
}

// Len returns the number of measured selectors.
func (t *CalibrationTable) Len() int {
	n := 0
	for _, khz := range t.khz {
		if khz != unmeasured {
			n++
		}
	}
	return n
}

// calibrator walks the selector range and measures each P-state
type calibrator struct {
	regs      registerControl
	est       *estimator
	hw        *Hardware
	conf      LibConfig
	onProgram func(pstate uint16)
}

// calibrate must run on the engine CPU. The whole walk is one masked section since a
// preempted measurement corrupts the timing baseline. On a hardware fault the partially
// filled table is returned together with the error.
func (c *calibrator) calibrate() (*CalibrationTable, error) {
	table := newCalibrationTable()

	token, err := c.hw.Interrupts.Mask()
	if err != nil {
		return table, fmt.Errorf("failed to mask interrupts for calibration: %w", err)
	}
	walkErr := c.walk(table)
	if err := c.hw.Interrupts.Unmask(token); err != nil {
		walkErr = errors.Join(walkErr, fmt.Errorf("failed to unmask interrupts after calibration: %w", err))
	}

	log.Info("calibration finished",
		"cpu", c.conf.CPU,
		"measured", table.Len(),
		"declined", table.Declined.Len())
	return table, walkErr
}

func (c *calibrator) walk(table *CalibrationTable) error {
	pstates := c.conf.PStates
	step := uint32(c.conf.PStateStep)
	backoff := c.conf.settleBackoff()

	// uint32 so the loop terminates when Max is 0xFFFF
	for sel := uint32(pstates.Min); sel <= uint32(pstates.Max); sel += step {
		pstate := uint16(sel)
		logger := log.WithValues("cpu", c.conf.CPU, "pstate", pstate)

		if err := c.regs.writeControl(pstate, false); err != nil {
			logger.Error(err, "failed to program P-state, calibration aborted")
			return err
		}
		if c.onProgram != nil {
			c.onProgram(pstate)
		}

		err := pollSpinning(backoff, c.hw.Spinner, func() (bool, error) {
			current, err := c.regs.readStatus()
			return current == pstate, err
		})
		if errors.Is(err, ErrSettleTimeout) {
			logger.V(4).Info("hardware declined P-state", "settleSteps", backoff.Steps)
			table.Declined.Insert(pstate)
			continue
		}
		if err != nil {
			logger.Error(err, "failed to read P-state status, calibration aborted")
			return err
		}

		khz, elapsed, ok, err := c.measure()
		if err != nil {
			logger.Error(err, "measurement failed, calibration aborted")
			return err
		}
		if !ok {
			logger.V(4).Info("counters did not advance, leaving a hole", "elapsedCycles", elapsed)
			continue
		}
		table.set(pstate, khz)
		logger.V(4).Info("measured P-state", "kHz", khz, "elapsedCycles", elapsed)
	}
	return nil
}

// measure runs the fixed busy loop between two estimator samples; caller holds the mask
func (c *calibrator) measure() (khz, elapsed uint64, ok bool, err error) {
	sample := Sample{}
	if _, _, err = c.est.sampleMasked(&sample); err != nil {
		return 0, 0, false, err
	}
	before, err := c.hw.Cycles.Cycles()
	if err != nil {
		return 0, 0, false, fmt.Errorf("read cycle counter: %w: %w", ErrHardwareFault, err)
	}
	c.hw.Busy.BusyWait(c.conf.MeasureIterations)
	after, err := c.hw.Cycles.Cycles()
	if err != nil {
		return 0, 0, false, fmt.Errorf("read cycle counter: %w: %w", ErrHardwareFault, err)
	}
	khz, ok, err = c.est.sampleMasked(&sample)
	return khz, after - before, ok, err
}
