//go:build !linux

package power

import "fmt"

func openHardware(conf LibConfig) (*Hardware, error) {
	return nil, fmt.Errorf("%w: MSR access is only implemented on linux", ErrUnsupported)
}
