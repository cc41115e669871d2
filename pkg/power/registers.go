package power

// register addresses, bit layouts and the read-modify-write helpers on top of MSRDevice

const (
	msrPerfStatus uint32 = 0x00000198
	msrPerfCtl    uint32 = 0x00000199
	msrMiscEnable uint32 = 0x000001A0
	msrPMEnable   uint32 = 0x00000770
	msrMPERF      uint32 = 0x000000E7
	msrAPERF      uint32 = 0x000000E8
)

const (
	perfCtlSelectorMask  uint64 = 0xFFFF
	perfCtlTurboShift           = 32
	perfCtlTurboMask     uint64 = 1 << perfCtlTurboShift
	perfStatusSelectMask uint64 = 0xFFFF

	pmEnableAutonomyShift        = 63
	pmEnableAutonomyMask  uint64 = 1 << pmEnableAutonomyShift

	miscEnableLegacyScalingShift        = 16
	miscEnableLegacyScalingMask  uint64 = 1 << miscEnableLegacyScalingShift
)

// ControlRegister is a decoded view of the performance control register.
// Raw keeps the reserved bits so a write-back does not disturb them.
type ControlRegister struct {
	Raw          uint64
	Selector     uint16
	TurboEnabled bool
}

func unpackControl(raw uint64) ControlRegister {
	return ControlRegister{
		Raw:          raw,
		Selector:     uint16(raw & perfCtlSelectorMask),
		TurboEnabled: raw&perfCtlTurboMask != 0,
	}
}

// pack folds Selector and TurboEnabled back into Raw
func (c ControlRegister) pack() uint64 {
	raw := c.Raw&^perfCtlSelectorMask | uint64(c.Selector)
	if c.TurboEnabled {
		raw |= perfCtlTurboMask
	} else {
		raw &^= perfCtlTurboMask
	}
	return raw
}

func unpackStatus(raw uint64) uint16 {
	return uint16(raw & perfStatusSelectMask)
}

// registerControl drives the control, status and enable registers of one CPU
type registerControl struct {
	dev MSRDevice
}

func (r registerControl) read(addr uint32) (uint64, error) {
	val, err := r.dev.ReadMSR(addr)
	if err != nil {
		return 0, hardwareFault("read MSR", addr, err)
	}
	return val, nil
}

func (r registerControl) write(addr uint32, val uint64) error {
	if err := r.dev.WriteMSR(addr, val); err != nil {
		return hardwareFault("write MSR", addr, err)
	}
	return nil
}

// update reads addr, applies fn and writes the whole register back
func (r registerControl) update(addr uint32, fn func(uint64) uint64) error {
	val, err := r.read(addr)
	if err != nil {
		return err
	}
	return r.write(addr, fn(val))
}

func (r registerControl) readControl() (ControlRegister, error) {
	raw, err := r.read(msrPerfCtl)
	if err != nil {
		return ControlRegister{}, err
	}
	return unpackControl(raw), nil
}

// writeControl replaces the selector and turbo fields, everything else is carried over
func (r registerControl) writeControl(selector uint16, turbo bool) error {
	return r.update(msrPerfCtl, func(raw uint64) uint64 {
		ctl := unpackControl(raw)
		ctl.Selector = selector
		ctl.TurboEnabled = turbo
		return ctl.pack()
	})
}

// setTurbo only touches the turbo field
func (r registerControl) setTurbo(enable bool) error {
	return r.update(msrPerfCtl, func(raw uint64) uint64 {
		ctl := unpackControl(raw)
		ctl.TurboEnabled = enable
		return ctl.pack()
	})
}

// readStatus returns the selector the hardware actually runs at, which may lag writeControl
func (r registerControl) readStatus() (uint16, error) {
	raw, err := r.read(msrPerfStatus)
	if err != nil {
		return 0, err
	}
	return unpackStatus(raw), nil
}

func (r registerControl) disableAutonomy() error {
	return r.update(msrPMEnable, func(raw uint64) uint64 {
		return raw &^ pmEnableAutonomyMask
	})
}

// enableLegacyScaling is needed for control register writes to take effect once autonomy is off
func (r registerControl) enableLegacyScaling() error {
	return r.update(msrMiscEnable, func(raw uint64) uint64 {
		return raw | miscEnableLegacyScalingMask
	})
}

func (r registerControl) readCounters() (aperf, mperf uint64, err error) {
	// MPERF first, it is the reference the ratio is taken against
	if mperf, err = r.read(msrMPERF); err != nil {
		return 0, 0, err
	}
	if aperf, err = r.read(msrAPERF); err != nil {
		return 0, 0, err
	}
	return aperf, mperf, nil
}
