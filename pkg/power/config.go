package power

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/yaml"
)

const (
	defaultDevPath           = "/dev/cpu"
	defaultModulePath        = "/proc/modules"
	defaultSettleSteps       = 100
	defaultSettleInterval    = 10 * time.Microsecond
	defaultMeasureIterations = 1_000_000
	defaultPStateStep        = 1
)

// PStateRange bounds the selectors walked by calibration, both ends inclusive.
type PStateRange struct {
	Min uint16 `json:"min"`
	Max uint16 `json:"max"`
}

// LibConfig configures an engine instance. Zero fields take the defaults.
type LibConfig struct {
	// CPU is the logical processor the engine drives and calibrates on.
	CPU uint `json:"cpu"`
	// NumCPUs sizes the per-CPU sample registry, defaults to runtime.NumCPU().
	NumCPUs uint `json:"numCPUs,omitempty"`
	// DevPath holds the per-CPU msr and cpuid device directories.
	DevPath string `json:"devPath,omitempty"`
	// ModulePath is the kernel module list checked for the msr and cpuid drivers.
	ModulePath string `json:"modulePath,omitempty"`

	// PStates narrows calibration to a hardware advertised sub-range, nil walks all selectors.
	PStates    *PStateRange `json:"pStates,omitempty"`
	PStateStep uint16       `json:"pStateStep,omitempty"`

	// SettleSteps and SettleInterval bound the wait for the status register to confirm a selector.
	SettleSteps    int             `json:"settleSteps,omitempty"`
	SettleInterval metav1.Duration `json:"settleInterval,omitempty"`

	// MeasureIterations is the busy loop length of one calibration measurement and of
	// the priming window of CurrentFrequencyKHz.
	MeasureIterations uint64 `json:"measureIterations,omitempty"`

	// BaseFrequencyKHz is used when cpuid leaf 0x16 is not available.
	BaseFrequencyKHz uint64 `json:"baseFrequencyKHz,omitempty"`
}

// LoadConfig reads a YAML configuration file and applies defaults.
func LoadConfig(path string) (LibConfig, error) {
	conf := LibConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &conf); err != nil {
		return conf, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	conf = normalizeConfig(conf)
	if err := conf.validate(); err != nil {
		return conf, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return conf, nil
}

func normalizeConfig(conf LibConfig) LibConfig {
	normalized := conf

	if normalized.NumCPUs == 0 {
		normalized.NumCPUs = uint(runtime.NumCPU())
	}
	if normalized.DevPath == "" {
		normalized.DevPath = defaultDevPath
	}
	if normalized.ModulePath == "" {
		normalized.ModulePath = defaultModulePath
	}
	if normalized.PStates == nil {
		normalized.PStates = &PStateRange{Min: 0, Max: math.MaxUint16}
	} else {
		pstates := *normalized.PStates
		normalized.PStates = &pstates
	}
	if normalized.PStateStep == 0 {
		normalized.PStateStep = defaultPStateStep
	}
	if normalized.SettleSteps <= 0 {
		normalized.SettleSteps = defaultSettleSteps
	}
	if normalized.SettleInterval.Duration <= 0 {
		normalized.SettleInterval = metav1.Duration{Duration: defaultSettleInterval}
	}
	if normalized.MeasureIterations == 0 {
		normalized.MeasureIterations = defaultMeasureIterations
	}
	return normalized
}

func (c LibConfig) validate() error {
	var errs []error
	if c.CPU >= c.NumCPUs {
		errs = append(errs, fmt.Errorf("cpu %d is out of the %d tracked cpus", c.CPU, c.NumCPUs))
	}
	if c.PStates != nil && c.PStates.Max < c.PStates.Min {
		errs = append(errs, fmt.Errorf("requested max P-state %#x cannot be lower than min P-state %#x",
			c.PStates.Max, c.PStates.Min))
	}
	return errors.Join(errs...)
}

// settleBackoff is a constant interval budget, Factor 1 keeps every step the same length
func (c LibConfig) settleBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: c.SettleInterval.Duration,
		Factor:   1,
		Steps:    c.SettleSteps,
	}
}
