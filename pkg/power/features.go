package power

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	vendorIDIntel = "GenuineIntel"
	vendorIDAMD   = "AuthenticAMD"

	// current P-state limit register on AMD parts; not driven by this engine
	amdPStateCurrentLimitMSR uint32 = 0xC0010061
)

// cpuid leaves and bits consulted by the prober
const (
	leafVendor    uint32 = 0x0
	leafFeatures  uint32 = 0x1
	leafPower     uint32 = 0x6
	leafFrequency uint32 = 0x16

	leaf1EDXTSC       = 1 << 4
	leaf1ECXSpeedStep = 1 << 7

	leaf6EAXAutonomy       = 1 << 7
	leaf6EAXNotification   = 1 << 8
	leaf6EAXActivityWindow = 1 << 9
	leaf6EAXEnergyPref     = 1 << 10
	leaf6EAXPackageControl = 1 << 11
	leaf6ECXRateCounters   = 1 << 0

	leaf16FreqMask = 0xFFFF
)

// CapabilitySet is filled once by the prober and read-only afterwards.
type CapabilitySet struct {
	VendorID string
	MaxLeaf  uint32

	TargetVendor     bool
	RateCounters     bool
	HardwareAutonomy bool
	FrequencyLeaf    bool
	TimestampCounter bool
	SpeedStep        bool

	// companions of HardwareAutonomy, recorded only
	AutonomyNotification     bool
	AutonomyActivityWindow   bool
	AutonomyEnergyPreference bool
	AutonomyPackageControl   bool

	// advertised by leaf 0x16, zero when the leaf is absent
	BaseKHz uint64
	MaxKHz  uint64
}

// probe identifies the processor. It never writes a register.
func probe(cpuid CPUIDReader) (CapabilitySet, error) {
	caps := CapabilitySet{}

	regs, err := cpuid.CPUID(leafVendor, 0)
	if err != nil {
		return caps, fmt.Errorf("cpuid leaf %#x: %w: %w", leafVendor, ErrHardwareFault, err)
	}
	caps.MaxLeaf = regs.EAX
	caps.VendorID = vendorString(regs)

	switch caps.VendorID {
	case vendorIDIntel:
		caps.TargetVendor = true
	case vendorIDAMD:
		return caps, fmt.Errorf("%w: AMD P-state control (MSR %#x) is not implemented",
			ErrUnsupported, amdPStateCurrentLimitMSR)
	default:
		return caps, fmt.Errorf("%w: vendor %q", ErrUnsupported, caps.VendorID)
	}

	if caps.MaxLeaf >= leafFeatures {
		if regs, err = cpuid.CPUID(leafFeatures, 0); err != nil {
			return caps, fmt.Errorf("cpuid leaf %#x: %w: %w", leafFeatures, ErrHardwareFault, err)
		}
		caps.TimestampCounter = regs.EDX&leaf1EDXTSC != 0
		caps.SpeedStep = regs.ECX&leaf1ECXSpeedStep != 0
	}

	if caps.MaxLeaf >= leafPower {
		if regs, err = cpuid.CPUID(leafPower, 0); err != nil {
			return caps, fmt.Errorf("cpuid leaf %#x: %w: %w", leafPower, ErrHardwareFault, err)
		}
		caps.HardwareAutonomy = regs.EAX&leaf6EAXAutonomy != 0
		caps.AutonomyNotification = regs.EAX&leaf6EAXNotification != 0
		caps.AutonomyActivityWindow = regs.EAX&leaf6EAXActivityWindow != 0
		caps.AutonomyEnergyPreference = regs.EAX&leaf6EAXEnergyPref != 0
		caps.AutonomyPackageControl = regs.EAX&leaf6EAXPackageControl != 0
		caps.RateCounters = regs.ECX&leaf6ECXRateCounters != 0
	}

	if caps.MaxLeaf >= leafFrequency {
		if regs, err = cpuid.CPUID(leafFrequency, 0); err != nil {
			return caps, fmt.Errorf("cpuid leaf %#x: %w: %w", leafFrequency, ErrHardwareFault, err)
		}
		// hardware reports MHz
		caps.BaseKHz = uint64(regs.EAX&leaf16FreqMask) * 1000
		caps.MaxKHz = uint64(regs.EBX&leaf16FreqMask) * 1000
		caps.FrequencyLeaf = caps.BaseKHz != 0
	}

	return caps, nil
}

// vendorString assembles the 12 character signature from EBX, EDX, ECX
func vendorString(regs CPUIDRegs) string {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], regs.EBX)
	binary.LittleEndian.PutUint32(buf[4:], regs.EDX)
	binary.LittleEndian.PutUint32(buf[8:], regs.ECX)
	return string(buf)
}

type featureID uint

const (
	VendorFeature featureID = iota
	RateCountersFeature
	TimestampCounterFeature
	BaseFrequencyFeature
	HardwareAutonomyFeature
	SpeedStepFeature
)

// features without which Initialize fails with ErrUnsupported
var requiredFeatures = []featureID{
	VendorFeature,
	RateCountersFeature,
	TimestampCounterFeature,
	BaseFrequencyFeature,
}

type featureStatus struct {
	name     string
	driver   string
	err      error
	initFunc func(caps *CapabilitySet) featureStatus
}

func (f *featureStatus) Name() string {
	return f.name
}

func (f *featureStatus) Driver() string {
	return f.driver
}

func (f *featureStatus) FeatureError() error {
	return f.err
}

// FeatureSet maps every feature the engine knows about to its probed status
type FeatureSet map[featureID]*featureStatus

func newFeatureSet() FeatureSet {
	set := FeatureSet{
		VendorFeature:           {initFunc: initVendor},
		RateCountersFeature:     {initFunc: initRateCounters},
		TimestampCounterFeature: {initFunc: initTimestampCounter},
		BaseFrequencyFeature:    {initFunc: initBaseFrequency},
		HardwareAutonomyFeature: {initFunc: initHardwareAutonomy},
		SpeedStepFeature:        {initFunc: initSpeedStep},
	}
	for _, status := range set {
		status.err = uninitialisedErr
	}
	return set
}

// init runs every feature's initFunc against caps and returns all feature errors joined
func (set FeatureSet) init(caps *CapabilitySet) error {
	if len(set) == 0 {
		return fmt.Errorf("no features defined")
	}
	var errs []error
	for id, status := range set {
		*status = status.initFunc(caps)
		if status.err != nil {
			log.V(4).Info("feature unavailable", "feature", status.name, "id", id, "reason", status.err.Error())
			errs = append(errs, status.err)
		}
	}
	return errors.Join(errs...)
}

func (set FeatureSet) isFeatureIdSupported(id featureID) bool {
	status, exists := set[id]
	if !exists {
		return false
	}
	return status.err == nil
}

func (set FeatureSet) getFeatureIdError(id featureID) error {
	status, exists := set[id]
	if !exists {
		return undefinederr
	}
	return status.err
}

// requiredError joins the errors of the features Initialize cannot do without
func (set FeatureSet) requiredError() error {
	var errs []error
	for _, id := range requiredFeatures {
		if err := set.getFeatureIdError(id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnsupported, errors.Join(errs...))
}

func initVendor(caps *CapabilitySet) featureStatus {
	feature := featureStatus{
		name:     "Vendor",
		driver:   caps.VendorID,
		initFunc: initVendor,
	}
	if !caps.TargetVendor {
		feature.err = fmt.Errorf("vendor %q is not %s", caps.VendorID, vendorIDIntel)
	}
	return feature
}

func initRateCounters(caps *CapabilitySet) featureStatus {
	feature := featureStatus{
		name:     "APERF/MPERF",
		driver:   "cpuid leaf 0x6",
		initFunc: initRateCounters,
	}
	if !caps.RateCounters {
		feature.err = fmt.Errorf("hardware coordination feedback counters not present")
	}
	return feature
}

func initTimestampCounter(caps *CapabilitySet) featureStatus {
	feature := featureStatus{
		name:     "Time-Stamp-Counter",
		driver:   "cpuid leaf 0x1",
		initFunc: initTimestampCounter,
	}
	if !caps.TimestampCounter {
		feature.err = fmt.Errorf("time stamp counter not present")
	}
	return feature
}

func initBaseFrequency(caps *CapabilitySet) featureStatus {
	feature := featureStatus{
		name:     "Base-Frequency",
		driver:   "cpuid leaf 0x16",
		initFunc: initBaseFrequency,
	}
	if !caps.FrequencyLeaf {
		feature.driver = "configuration"
	}
	if caps.BaseKHz == 0 {
		feature.err = fmt.Errorf("base frequency unknown, set baseFrequencyKHz in the configuration")
	}
	return feature
}

func initHardwareAutonomy(caps *CapabilitySet) featureStatus {
	feature := featureStatus{
		name:     "Hardware-P-States",
		driver:   "IA32_PM_ENABLE",
		initFunc: initHardwareAutonomy,
	}
	if !caps.HardwareAutonomy {
		feature.err = fmt.Errorf("hardware controlled P-states not present")
	}
	return feature
}

func initSpeedStep(caps *CapabilitySet) featureStatus {
	feature := featureStatus{
		name:     "Enhanced-SpeedStep",
		driver:   "IA32_MISC_ENABLE",
		initFunc: initSpeedStep,
	}
	if !caps.SpeedStep {
		feature.err = fmt.Errorf("enhanced SpeedStep not advertised")
	}
	return feature
}
