package power

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/utils/clock"
)

// State is the lifecycle state of an Engine.
type State int32

const (
	StateUninitialized State = iota
	StateProbing
	StateDisablingAutonomy
	StateCalibrating
	StateReady
	StateDeinitializing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateProbing:
		return "Probing"
	case StateDisablingAutonomy:
		return "DisablingAutonomy"
	case StateCalibrating:
		return "Calibrating"
	case StateReady:
		return "Ready"
	case StateDeinitializing:
		return "Deinitializing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// PStateDescriptor summarises the P-state domain of the engine CPU.
type PStateDescriptor struct {
	Current uint16
	Min     uint16
	Max     uint16
	BaseKHz uint64
	MaxKHz  uint64
}

// Engine controls the P-state of one logical CPU. It is the single owner of the
// calibration table and the per-CPU estimator samples.
type Engine interface {
	// Initialize probes the CPU, hands P-state control to software and calibrates.
	Initialize() error
	// Deinitialize restores the P-state found at Initialize and releases the table.
	Deinitialize() error

	CurrentPState() (uint16, error)
	SetPState(pstate uint16) error
	// CurrentFrequencyKHz returns the average frequency since the previous call,
	// false when the counters did not advance.
	CurrentFrequencyKHz() (uint64, bool, error)
	// SetFrequency programs the calibrated P-state closest to targetKHz and returns it.
	SetFrequency(targetKHz uint64) (uint16, error)
	// LastFrequencyKHz returns the estimate of the most recent CurrentFrequencyKHz call
	// without touching the counters, false when there is none yet.
	LastFrequencyKHz() (uint64, bool, error)

	GetCPU() uint
	GetState() State
	GetCapabilities() CapabilitySet
	GetFeaturesInfo() FeatureSet
	GetDescriptor() PStateDescriptor
	GetTable() *CalibrationTable

	// Close releases the hardware handles.
	Close() error
}

// The engineImpl is the backing object of Engine interface
type engineImpl struct {
	hw   *Hardware
	conf LibConfig
	regs registerControl
	est  *estimator

	// lifecycle transitions hold the write lock, run-time operations the read lock
	mutex sync.RWMutex
	state atomic.Int32

	caps       CapabilitySet
	features   FeatureSet
	descriptor PStateDescriptor
	// held from a control register write until current records it
	controlMutex sync.Mutex
	current      atomic.Uint32
	restore      takeover

	table    *CalibrationTable
	selector *frequencySelector
	samples  *sampleRegistry
	// guards the cell of samples the engine CPU owns
	sampleMutex sync.Mutex
}

// takeover holds the register values found before Initialize changed them
type takeover struct {
	control      ControlRegister
	controlSaved bool

	pmEnable    uint64
	autonomyOff bool

	miscEnable uint64
	legacyOn   bool
}

// CreateInstance opens the hardware of cpu and returns an uninitialized engine.
func CreateInstance(cpu uint) (Engine, error) {
	return CreateInstanceWithConf(LibConfig{CPU: cpu})
}

// CreateInstanceWithConf opens the hardware described by conf and returns an
// uninitialized engine.
func CreateInstanceWithConf(conf LibConfig) (Engine, error) {
	conf = normalizeConfig(conf)
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	hw, err := openHardware(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open hardware of cpu %d: %w", conf.CPU, err)
	}
	engine, err := NewEngine(hw, conf)
	if err != nil {
		return nil, errors.Join(err, hw.Close())
	}
	return engine, nil
}

// NewEngine creates an uninitialized engine on top of caller supplied hardware.
func NewEngine(hw *Hardware, conf LibConfig) (Engine, error) {
	if hw == nil {
		return nil, fmt.Errorf("no hardware given")
	}
	if err := hw.validate(); err != nil {
		return nil, fmt.Errorf("incomplete hardware: %w", err)
	}
	if hw.Clock == nil {
		hw.Clock = clock.RealClock{}
	}
	conf = normalizeConfig(conf)
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	regs := registerControl{dev: hw.MSR}
	engine := &engineImpl{
		hw:   hw,
		conf: conf,
		regs: regs,
		est: &estimator{
			regs:   regs,
			masker: hw.Interrupts,
			clock:  hw.Clock,
		},
		features: newFeatureSet(),
	}
	engine.setState(StateUninitialized)
	return engine, nil
}

func (e *engineImpl) getState() State {
	return State(e.state.Load())
}

func (e *engineImpl) setState(s State) {
	log.V(4).Info("engine state change", "cpu", e.conf.CPU, "from", e.getState().String(), "to", s.String())
	e.state.Store(int32(s))
}

func (e *engineImpl) setCurrent(pstate uint16) {
	e.current.Store(uint32(pstate))
}

func (e *engineImpl) Initialize() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if s := e.getState(); s != StateUninitialized {
		return fmt.Errorf("cannot initialize engine in state %s: %w", s, ErrInvalidState)
	}
	logger := log.WithValues("cpu", e.conf.CPU)

	e.setState(StateProbing)
	caps, err := probe(e.hw.CPUID)
	if err != nil {
		e.setState(StateUninitialized)
		logger.Error(err, "processor probe failed")
		return fmt.Errorf("failed to init engine: %w", err)
	}
	if caps.BaseKHz == 0 {
		caps.BaseKHz = e.conf.BaseFrequencyKHz
	}
	features := newFeatureSet()
	if err := features.init(&caps); err != nil {
		logger.V(4).Info("some features are unavailable", "error", err.Error())
	}
	if err := features.requiredError(); err != nil {
		e.setState(StateUninitialized)
		logger.Error(err, "processor lacks required features")
		return fmt.Errorf("failed to init engine: %w", err)
	}
	e.caps = caps
	e.features = features
	e.est.baseKHz = caps.BaseKHz

	e.setState(StateDisablingAutonomy)
	if err := e.takeControl(); err != nil {
		logger.Error(err, "failed to take over P-state control")
		if rollbackErr := e.releaseControl(); rollbackErr != nil {
			logger.Error(rollbackErr, "failed to hand P-state control back")
			err = errors.Join(err, rollbackErr)
		}
		e.setState(StateUninitialized)
		return fmt.Errorf("failed to init engine: %w", err)
	}

	e.setState(StateCalibrating)
	e.samples = newSampleRegistry(e.conf.NumCPUs)
	cal := &calibrator{
		regs:      e.regs,
		est:       e.est,
		hw:        e.hw,
		conf:      e.conf,
		onProgram: e.setCurrent,
	}
	table, calErr := cal.calibrate()

	e.table = table
	e.selector = &frequencySelector{
		table:     table,
		regs:      e.regs,
		onProgram: e.setCurrent,
	}
	e.descriptor = PStateDescriptor{
		Min:     e.conf.PStates.Min,
		Max:     e.conf.PStates.Max,
		BaseKHz: caps.BaseKHz,
		MaxKHz:  caps.MaxKHz,
	}
	// a fault mid calibration still leaves a usable, partial table
	e.setState(StateReady)

	logger.Info("engine initialized",
		"vendorID", caps.VendorID,
		"baseKHz", caps.BaseKHz,
		"maxKHz", caps.MaxKHz,
		"calibrated pstates", table.Len())
	if calErr != nil {
		return fmt.Errorf("calibration incomplete: %w", calErr)
	}
	return nil
}

// takeControl disables hardware autonomy and turbo and enables legacy scaling. Every
// register it changes is recorded in e.restore first.
func (e *engineImpl) takeControl() error {
	e.restore = takeover{}
	ctl, err := e.regs.readControl()
	if err != nil {
		return err
	}
	e.restore.control = ctl
	e.restore.controlSaved = true
	e.setCurrent(ctl.Selector)

	if e.features.isFeatureIdSupported(HardwareAutonomyFeature) {
		raw, err := e.regs.read(msrPMEnable)
		if err != nil {
			return fmt.Errorf("failed to disable hardware P-states: %w", err)
		}
		e.restore.pmEnable = raw
		if err := e.regs.disableAutonomy(); err != nil {
			return fmt.Errorf("failed to disable hardware P-states: %w", err)
		}
		e.restore.autonomyOff = true
		log.V(4).Info("hardware P-states disabled", "cpu", e.conf.CPU)
	}
	if err := e.regs.setTurbo(false); err != nil {
		return fmt.Errorf("failed to disable turbo: %w", err)
	}
	raw, err := e.regs.read(msrMiscEnable)
	if err != nil {
		return fmt.Errorf("failed to enable legacy frequency scaling: %w", err)
	}
	e.restore.miscEnable = raw
	if err := e.regs.enableLegacyScaling(); err != nil {
		return fmt.Errorf("failed to enable legacy frequency scaling: %w", err)
	}
	e.restore.legacyOn = true
	return nil
}

// releaseControl writes back what takeControl recorded: the P-state and turbo field
// first, then the legacy scaling and autonomy registers.
func (e *engineImpl) releaseControl() error {
	var errs []error
	if e.restore.controlSaved {
		ctl := e.restore.control
		e.controlMutex.Lock()
		if err := e.regs.writeControl(ctl.Selector, ctl.TurboEnabled); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore P-state %#x: %w", ctl.Selector, err))
		} else {
			e.setCurrent(ctl.Selector)
		}
		e.controlMutex.Unlock()
	}
	if e.restore.legacyOn {
		if err := e.regs.write(msrMiscEnable, e.restore.miscEnable); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore legacy frequency scaling: %w", err))
		}
	}
	if e.restore.autonomyOff {
		if err := e.regs.write(msrPMEnable, e.restore.pmEnable); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore hardware P-states: %w", err))
		}
	}
	e.restore = takeover{}
	return errors.Join(errs...)
}

func (e *engineImpl) Deinitialize() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if s := e.getState(); s != StateReady {
		return fmt.Errorf("cannot deinitialize engine in state %s: %w", s, ErrNotReady)
	}
	e.setState(StateDeinitializing)

	restoreErr := e.releaseControl()
	if restoreErr != nil {
		log.Error(restoreErr, "failed to hand P-state control back", "cpu", e.conf.CPU)
	}

	e.table = nil
	e.selector = nil
	e.samples = nil
	e.setState(StateUninitialized)
	log.Info("engine deinitialized", "cpu", e.conf.CPU)
	return restoreErr
}

func (e *engineImpl) requireReady() error {
	if s := e.getState(); s != StateReady {
		return fmt.Errorf("engine is %s: %w", s, ErrNotReady)
	}
	return nil
}

func (e *engineImpl) CurrentPState() (uint16, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if err := e.requireReady(); err != nil {
		return 0, err
	}
	return e.regs.readStatus()
}

func (e *engineImpl) SetPState(pstate uint16) error {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if err := e.requireReady(); err != nil {
		return err
	}
	if pstate < e.descriptor.Min {
		return fmt.Errorf("requested P-state %#x is lower than %#x allowed by the hardware: %w",
			pstate, e.descriptor.Min, ErrRange)
	}
	if pstate > e.descriptor.Max {
		return fmt.Errorf("requested P-state %#x is higher than %#x allowed by the hardware: %w",
			pstate, e.descriptor.Max, ErrRange)
	}
	e.controlMutex.Lock()
	defer e.controlMutex.Unlock()
	if err := e.regs.writeControl(pstate, false); err != nil {
		return err
	}
	e.setCurrent(pstate)
	return nil
}

func (e *engineImpl) CurrentFrequencyKHz() (uint64, bool, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if err := e.requireReady(); err != nil {
		return 0, false, err
	}

	e.sampleMutex.Lock()
	defer e.sampleMutex.Unlock()
	cell, err := e.samples.get(e.conf.CPU)
	if err != nil {
		return 0, false, err
	}
	if !cell.primed() {
		// an unprimed sample would average over the whole uptime
		if _, _, err := e.est.sample(cell); err != nil {
			return 0, false, err
		}
		e.hw.Busy.BusyWait(e.conf.MeasureIterations)
	}
	return e.est.sample(cell)
}

func (e *engineImpl) LastFrequencyKHz() (uint64, bool, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if err := e.requireReady(); err != nil {
		return 0, false, err
	}

	e.sampleMutex.Lock()
	defer e.sampleMutex.Unlock()
	cell, err := e.samples.get(e.conf.CPU)
	if err != nil {
		return 0, false, err
	}
	if cell.LastTimestamp.IsZero() {
		return 0, false, nil
	}
	return cell.LastKHz, true, nil
}

func (e *engineImpl) SetFrequency(targetKHz uint64) (uint16, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if err := e.requireReady(); err != nil {
		return 0, err
	}
	e.controlMutex.Lock()
	pstate, err := e.selector.selectFor(targetKHz)
	e.controlMutex.Unlock()
	if err != nil {
		return 0, err
	}
	log.V(4).Info("frequency requested", "cpu", e.conf.CPU, "targetKHz", targetKHz, "pstate", pstate)
	return pstate, nil
}

func (e *engineImpl) GetCPU() uint {
	return e.conf.CPU
}

func (e *engineImpl) GetState() State {
	return e.getState()
}

func (e *engineImpl) GetCapabilities() CapabilitySet {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.caps
}

func (e *engineImpl) GetFeaturesInfo() FeatureSet {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.features
}

func (e *engineImpl) GetDescriptor() PStateDescriptor {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	desc := e.descriptor
	desc.Current = uint16(e.current.Load())
	return desc
}

// GetTable returns nil unless the engine is Ready. The table must not be modified.
func (e *engineImpl) GetTable() *CalibrationTable {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.table
}

func (e *engineImpl) Close() error {
	return e.hw.Close()
}
