package monitoring

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/cluster-power-manager/pstate-engine/pkg/power"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "pstate"

	LogTopName      string = "monitoring"
	engineSubsystem string = "engine"
	tableSubsystem  string = "calibration"

	logNameKey string = "name"
)

// errNoSample is returned by readers when the engine has not estimated a frequency yet
var errNoSample = errors.New("no new sample")

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

type number interface {
	~uint16 | ~int32 | ~int | ~uint64 | ~float64
}

// newEngineCollector is generic factory of prometheus Collectors for metrics of the engine CPU.
// readFunc is queried on every scrape, a failed read drops the sample without failing the scrape.
// log is Logger that should have all Names, KeysValues and other... already attached.
func newEngineCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	engine power.Engine, readFunc func(power.Engine) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"cpu"},
		nil,
	)
	cpu := strconv.Itoa(int(engine.GetCPU()))
	log.V(4).Info("New engine prometheus Collector created", "cpu", cpu)

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting metrics for prometheus", "cpu", cpu)
			val, err := readFunc(engine)
			if err != nil {
				log.V(5).Info(fmt.Sprintf("error reading metric value, err: %v", err), "cpu", cpu)
				return
			}
			ch <- prom.MustNewConstMetric(desc, metricType, float64(val), cpu)
		},
	}
}

// newTableCollector exports one gauge per calibrated P-state, labelled with the selector in hex.
// Nothing is collected while the engine holds no table.
func newTableCollector(metricName, metricDesc string, engine power.Engine, log logr.Logger) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"cpu", "pstate"},
		nil,
	)
	cpu := strconv.Itoa(int(engine.GetCPU()))
	log.V(4).Info("New calibration table prometheus Collector created", "cpu", cpu)

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			table := engine.GetTable()
			if table == nil {
				log.V(5).Info("no calibration table, engine not ready", "cpu", cpu)
				return
			}
			for _, entry := range table.Entries() {
				ch <- prom.MustNewConstMetric(
					desc,
					prom.GaugeValue,
					float64(entry.KHz),
					cpu,
					fmt.Sprintf("%#04x", entry.PState),
				)
			}
		},
	}
}

func readCurrentPState(engine power.Engine) (uint16, error) {
	return engine.CurrentPState()
}

// readFrequencyKHz reports the latest estimate, a scrape never advances the engine sample
func readFrequencyKHz(engine power.Engine) (uint64, error) {
	khz, ok, err := engine.LastFrequencyKHz()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errNoSample
	}
	return khz, nil
}

func readState(engine power.Engine) (int32, error) {
	return int32(engine.GetState()), nil
}

func readCalibratedPStates(engine power.Engine) (int, error) {
	table := engine.GetTable()
	if table == nil {
		return 0, power.ErrNotReady
	}
	return table.Len(), nil
}

func readDeclinedPStates(engine power.Engine) (int, error) {
	table := engine.GetTable()
	if table == nil {
		return 0, power.ErrNotReady
	}
	return table.Declined.Len(), nil
}

// RegisterEngineCollectors registers the engine state and calibration metrics with registry
func RegisterEngineCollectors(registry prom.Registerer, engine power.Engine, logger logr.Logger) error {
	logger = logger.WithName(engineSubsystem)

	collectors := []prom.Collector{
		newEngineCollector(
			prom.BuildFQName(promNamespace, engineSubsystem, "pstate"),
			"Gauge of the P-state selector reported by the status register",
			prom.GaugeValue,
			engine,
			readCurrentPState,
			logger.WithValues(logNameKey, "pstate"),
		),
		newEngineCollector(
			prom.BuildFQName(promNamespace, engineSubsystem, "frequency_khz"),
			"Gauge of the most recent effective frequency estimate in kHz",
			prom.GaugeValue,
			engine,
			readFrequencyKHz,
			logger.WithValues(logNameKey, "frequency_khz"),
		),
		newEngineCollector(
			prom.BuildFQName(promNamespace, engineSubsystem, "state"),
			"Gauge of the engine lifecycle state, 4 is Ready",
			prom.GaugeValue,
			engine,
			readState,
			logger.WithValues(logNameKey, "state"),
		),
		newEngineCollector(
			prom.BuildFQName(promNamespace, tableSubsystem, "pstates"),
			"Gauge of the number of measured P-states in the calibration table",
			prom.GaugeValue,
			engine,
			readCalibratedPStates,
			logger.WithValues(logNameKey, "pstates"),
		),
		newEngineCollector(
			prom.BuildFQName(promNamespace, tableSubsystem, "declined_pstates"),
			"Gauge of the number of P-states the hardware did not confirm during calibration",
			prom.GaugeValue,
			engine,
			readDeclinedPStates,
			logger.WithValues(logNameKey, "declined_pstates"),
		),
		newTableCollector(
			prom.BuildFQName(promNamespace, tableSubsystem, "frequency_khz"),
			"Gauge of the frequency in kHz measured for a P-state during calibration",
			engine,
			logger.WithValues(logNameKey, "table"),
		),
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return nil
}
