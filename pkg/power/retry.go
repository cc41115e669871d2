package power

import "k8s.io/apimachinery/pkg/util/wait"

// pollSpinning evaluates cond until it reports done, spinning backoff's interval between
// attempts. It never sleeps, callers may hold the interrupt mask. Returns ErrSettleTimeout
// once backoff.Steps attempts failed, without spinning after the last one.
func pollSpinning(backoff wait.Backoff, spinner Spinner, cond func() (bool, error)) error {
	for backoff.Steps > 0 {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		interval := backoff.Step()
		if backoff.Steps == 0 {
			break
		}
		spinner.Spin(interval)
	}
	return ErrSettleTimeout
}
