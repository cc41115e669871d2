package power

import "fmt"

// nearest returns the measured selector whose frequency is closest to targetKHz.
// Selectors are scanned in increasing order and only a strictly better distance
// replaces the current best, so ties resolve to the lowest selector.
func (t *CalibrationTable) nearest(targetKHz uint64) (uint16, error) {
	var (
		best     uint16
		bestDist uint64
		found    bool
	)
	for pstate, khz := range t.khz {
		if khz == unmeasured {
			continue
		}
		dist := absDiff(khz, targetKHz)
		if !found || dist < bestDist {
			best, bestDist, found = uint16(pstate), dist, true
		}
	}
	if !found {
		return 0, fmt.Errorf("no entry for %d kHz: %w", targetKHz, ErrNotFound)
	}
	return best, nil
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// frequencySelector programs the calibrated P-state nearest to a target. Unlike
// calibration it does not wait for the status register to confirm the change.
type frequencySelector struct {
	table     *CalibrationTable
	regs      registerControl
	onProgram func(pstate uint16)
}

func (s *frequencySelector) selectFor(targetKHz uint64) (uint16, error) {
	pstate, err := s.table.nearest(targetKHz)
	if err != nil {
		return 0, err
	}
	if err := s.regs.writeControl(pstate, false); err != nil {
		return 0, err
	}
	if s.onProgram != nil {
		s.onProgram(pstate)
	}
	return pstate, nil
}
