package observability

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles the Prometheus metrics the epoch loop and the
// domain models report, and provides a ready /metrics handler.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Epoch         prometheus.Gauge
	EpochDuration prometheus.Histogram

	PacketsTx      *prometheus.CounterVec
	PacketsRx      *prometheus.CounterVec
	PacketsDropped *prometheus.CounterVec

	BatteryJoules *prometheus.GaugeVec
	ComputeJobs   *prometheus.CounterVec
}

// NewSimCollector registers the simulator metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	epoch, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_epoch",
		Help: "Index of the most recently completed epoch.",
	}), "sim_epoch")
	if err != nil {
		return nil, err
	}

	epochDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_epoch_duration_seconds",
		Help:    "Wall-clock duration of one epoch.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
	epochDuration, err = registerHistogram(reg, epochDuration, "sim_epoch_duration_seconds")
	if err != nil {
		return nil, err
	}

	tx := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_packets_tx_total",
		Help: "Frames handed to the link fabric, labeled by radio class.",
	}, []string{"radio"})
	tx, err = registerCounterVec(reg, tx, "sim_packets_tx_total")
	if err != nil {
		return nil, err
	}

	rx := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_packets_rx_total",
		Help: "Frames delivered to a receive queue, labeled by radio class.",
	}, []string{"radio"})
	rx, err = registerCounterVec(reg, rx, "sim_packets_rx_total")
	if err != nil {
		return nil, err
	}

	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_packets_dropped_total",
		Help: "Frames lost in flight, labeled by drop reason.",
	}, []string{"reason"})
	dropped, err = registerCounterVec(reg, dropped, "sim_packets_dropped_total")
	if err != nil {
		return nil, err
	}

	battery := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_battery_joules",
		Help: "Current stored energy per node.",
	}, []string{"node"})
	battery, err = registerGaugeVec(reg, battery, "sim_battery_joules")
	if err != nil {
		return nil, err
	}

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_compute_jobs_total",
		Help: "Compute jobs by lifecycle stage (enqueued, completed, rejected).",
	}, []string{"stage"})
	jobs, err = registerCounterVec(reg, jobs, "sim_compute_jobs_total")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:       gatherer,
		Epoch:          epoch,
		EpochDuration:  epochDuration,
		PacketsTx:      tx,
		PacketsRx:      rx,
		PacketsDropped: dropped,
		BatteryJoules:  battery,
		ComputeJobs:    jobs,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	defaultOnce      sync.Once
	defaultCollector *SimCollector
)

// Default returns the process-wide collector backed by the global
// Prometheus registry. The first registration failure panics; the metric
// set is fixed at compile time so a failure is a programming error.
func Default() *SimCollector {
	defaultOnce.Do(func() {
		c, err := NewSimCollector(nil)
		if err != nil {
			panic(err)
		}
		defaultCollector = c
	})
	return defaultCollector
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
