package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as the bus transmit loop.
type Collector interface {
	ObserveTxFrame(kind string, d time.Duration)
	ObserveBurst(frames int, d time.Duration)
	IncBusNotReady()
	IncQueueDropped(count uint64)
	IncOversizedMessage()
	IncParseError(where string)
	IncConfigSave(file string)
	SetBootStatus(region, status string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveTxFrame(string, time.Duration) {}
func (noopCollector) ObserveBurst(int, time.Duration)      {}
func (noopCollector) IncBusNotReady()                      {}
func (noopCollector) IncQueueDropped(uint64)               {}
func (noopCollector) IncOversizedMessage()                 {}
func (noopCollector) IncParseError(string)                 {}
func (noopCollector) IncConfigSave(string)                 {}
func (noopCollector) SetBootStatus(string, string)         {}

// PrometheusCollector exposes the runtime counters via Prometheus.
type PrometheusCollector struct {
	txFrames      *prometheus.CounterVec
	txDuration    prometheus.Histogram
	txDurationMin prometheus.Gauge
	txDurationMax prometheus.Gauge
	burstFrames   prometheus.Gauge
	burstDuration prometheus.Gauge
	busNotReady   prometheus.Counter
	queueDropped  prometheus.Counter
	oversized     prometheus.Counter
	parseErrors   *prometheus.CounterVec
	configSaves   *prometheus.CounterVec
	bootStatus    *prometheus.GaugeVec

	mu       sync.Mutex
	minSeen  time.Duration
	maxSeen  time.Duration
	maxBurst int
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. A metric that is already registered is skipped: the returned
// collector keeps updating its own unregistered copy, and the existing
// registered collector is not reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		txFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dali_controller_tx_frames_total",
			Help: "Number of forward frames transmitted on the bus, by frame kind.",
		}, []string{"kind"}),
		txDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dali_controller_tx_frame_seconds",
			Help:    "Wall-clock duration of a single tx_frame call.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 8),
		}),
		txDurationMin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dali_controller_tx_frame_seconds_min",
			Help: "Shortest tx_frame duration observed since boot.",
		}),
		txDurationMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dali_controller_tx_frame_seconds_max",
			Help: "Longest tx_frame duration observed since boot.",
		}),
		burstFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dali_controller_burst_frames_max",
			Help: "Largest number of frames emitted by a single scheduler burst.",
		}),
		burstDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dali_controller_burst_seconds_max",
			Help: "Longest scheduler burst duration observed since boot.",
		}),
		busNotReady: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dali_controller_bus_not_ready_total",
			Help: "Number of transmit attempts deferred because the bus was not idle.",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dali_controller_mqtt_queue_dropped_total",
			Help: "Number of outbound broker messages dropped due to queue overflow.",
		}),
		oversized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dali_controller_mqtt_oversized_total",
			Help: "Number of outbound broker messages rejected for exceeding the size limit.",
		}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dali_controller_parse_errors_total",
			Help: "Number of inbound messages or config entries dropped by parsers.",
		}, []string{"where"}),
		configSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dali_controller_config_saves_total",
			Help: "Number of successful config file writes, by file.",
		}, []string{"file"}),
		bootStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dali_controller_boot_status",
			Help: "Battery-backed RAM load status per region (1 for the active status).",
		}, []string{"region", "status"}),
	}

	for _, col := range []prometheus.Collector{
		c.txFrames, c.txDuration, c.txDurationMin, c.txDurationMax,
		c.burstFrames, c.burstDuration, c.busNotReady, c.queueDropped,
		c.oversized, c.parseErrors, c.configSaves, c.bootStatus,
	} {
		if err := reg.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return nil, err
		}
	}

	return c, nil
}

// ObserveTxFrame records one transmitted frame and its duration.
func (p *PrometheusCollector) ObserveTxFrame(kind string, d time.Duration) {
	if p == nil {
		return
	}
	p.txFrames.WithLabelValues(kind).Inc()
	p.txDuration.Observe(d.Seconds())

	p.mu.Lock()
	if p.minSeen == 0 || d < p.minSeen {
		p.minSeen = d
		p.txDurationMin.Set(d.Seconds())
	}
	if d > p.maxSeen {
		p.maxSeen = d
		p.txDurationMax.Set(d.Seconds())
	}
	p.mu.Unlock()
}

// ObserveBurst records a settled scheduler burst.
func (p *PrometheusCollector) ObserveBurst(frames int, d time.Duration) {
	if p == nil || frames == 0 {
		return
	}
	p.mu.Lock()
	if frames > p.maxBurst {
		p.maxBurst = frames
		p.burstFrames.Set(float64(frames))
		p.burstDuration.Set(d.Seconds())
	}
	p.mu.Unlock()
}

// IncBusNotReady counts a deferred transmit.
func (p *PrometheusCollector) IncBusNotReady() {
	if p == nil {
		return
	}
	p.busNotReady.Inc()
}

// IncQueueDropped records dropped outbound broker messages.
func (p *PrometheusCollector) IncQueueDropped(count uint64) {
	if p == nil || count == 0 {
		return
	}
	p.queueDropped.Add(float64(count))
}

// IncOversizedMessage counts a rejected oversized broker message.
func (p *PrometheusCollector) IncOversizedMessage() {
	if p == nil {
		return
	}
	p.oversized.Inc()
}

// IncParseError counts a dropped message or config entry.
func (p *PrometheusCollector) IncParseError(where string) {
	if p == nil {
		return
	}
	p.parseErrors.WithLabelValues(where).Inc()
}

// IncConfigSave counts a successful config file write.
func (p *PrometheusCollector) IncConfigSave(file string) {
	if p == nil {
		return
	}
	p.configSaves.WithLabelValues(file).Inc()
}

// SetBootStatus publishes the battery-backed RAM load status for a region.
func (p *PrometheusCollector) SetBootStatus(region, status string) {
	if p == nil {
		return
	}
	for _, s := range []string{"power_on_ignored", "checksum_mismatch", "loaded_ok", "unknown"} {
		value := 0.0
		if s == status {
			value = 1.0
		}
		p.bootStatus.WithLabelValues(region, s).Set(value)
	}
}
