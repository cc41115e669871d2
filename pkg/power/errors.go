package power

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by Initialize when the processor is not one the engine can drive
	// (wrong vendor or a missing capability). It is not retryable.
	ErrUnsupported = errors.New("unsupported processor")

	// ErrRange is returned when a requested P-state is outside the calibrated range.
	// No register is written in that case.
	ErrRange = errors.New("P-state out of range")

	// ErrNotFound is returned by SetFrequency when the calibration table has no measured entries.
	ErrNotFound = errors.New("no calibrated P-state")

	// ErrSettleTimeout marks a selector the hardware did not confirm within the settle budget.
	// Calibration records it as a hole and carries on.
	ErrSettleTimeout = errors.New("P-state did not settle")

	// ErrHardwareFault wraps failures of the privileged register and identification primitives.
	// The engine cannot recover from it, callers are expected to give up.
	ErrHardwareFault = errors.New("hardware access fault")

	// ErrInvalidState is returned when a lifecycle transition is requested from the wrong state.
	ErrInvalidState = errors.New("invalid engine state")

	// ErrNotReady is returned by run-time operations before Initialize completed.
	ErrNotReady = errors.New("engine not ready")
)

var (
	uninitialisedErr = fmt.Errorf("feature uninitialized")
	undefinederr     = fmt.Errorf("feature undefined")
)

func hardwareFault(op string, addr uint32, err error) error {
	return fmt.Errorf("%s %#x: %w: %w", op, addr, ErrHardwareFault, err)
}
