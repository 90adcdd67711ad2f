package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for the simulation heartbeat:
// frame pacing, per-module dispatch cost, and world-store swap behaviour.
// It satisfies registry.MetricsRecorder and the scheduler's collector hook.
type SimCollector struct {
	gatherer prometheus.Gatherer

	FramesTotal      prometheus.Counter
	StepsTotal       prometheus.Counter
	FrameDuration    prometheus.Histogram
	QualityLevel     prometheus.Gauge
	ModuleTickTime   *prometheus.HistogramVec
	ModuleErrors     *prometheus.CounterVec
	SwapDuration     prometheus.Histogram
	SwapWait         prometheus.Histogram
	ActiveReaders    prometheus.Gauge
	LeaseDeniedTotal prometheus.Counter
	SnapshotBytes    prometheus.Counter
}

// NewSimCollector registers heartbeat metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	frames, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_frames_total",
		Help: "Total scheduler frames executed.",
	}), "sim_frames_total")
	if err != nil {
		return nil, err
	}
	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_steps_total",
		Help: "Total fixed simulation steps executed.",
	}), "sim_steps_total")
	if err != nil {
		return nil, err
	}
	frameDur, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_frame_duration_seconds",
		Help:    "Wall time spent inside one scheduler frame.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.0167, 0.033, 0.05, 0.1, 0.25},
	}), "sim_frame_duration_seconds")
	if err != nil {
		return nil, err
	}
	quality, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_quality_level",
		Help: "Current adaptive quality level, 0 (full) to 3 (maximum degradation).",
	}), "sim_quality_level")
	if err != nil {
		return nil, err
	}

	moduleTick := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_module_tick_duration_seconds",
		Help:    "Per-module tick execution time, labeled by module id.",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.033},
	}, []string{"module"})
	moduleTick, err = registerHistogramVec(reg, moduleTick, "sim_module_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	moduleErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_module_errors_total",
		Help: "Total failing module ticks, labeled by module id.",
	}, []string{"module"})
	moduleErrors, err = registerCounterVec(reg, moduleErrors, "sim_module_errors_total")
	if err != nil {
		return nil, err
	}

	swapDur, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_world_swap_duration_seconds",
		Help:    "Total wall time of a world buffer swap.",
		Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
	}), "sim_world_swap_duration_seconds")
	if err != nil {
		return nil, err
	}
	swapWait, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_world_swap_wait_seconds",
		Help:    "Time a swap spent waiting for read leases to drain.",
		Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
	}), "sim_world_swap_wait_seconds")
	if err != nil {
		return nil, err
	}
	activeReaders, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_world_active_readers",
		Help: "Read leases currently held on the active world slot.",
	}), "sim_world_active_readers")
	if err != nil {
		return nil, err
	}
	leaseDenied, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_lease_denied_total",
		Help: "Read lease requests refused because a swap was pending.",
	}), "sim_lease_denied_total")
	if err != nil {
		return nil, err
	}
	snapshotBytes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_snapshot_bytes_total",
		Help: "Compressed bytes written by the snapshot recorder.",
	}), "sim_snapshot_bytes_total")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:         gatherer,
		FramesTotal:      frames,
		StepsTotal:       steps,
		FrameDuration:    frameDur,
		QualityLevel:     quality,
		ModuleTickTime:   moduleTick,
		ModuleErrors:     moduleErrors,
		SwapDuration:     swapDur,
		SwapWait:         swapWait,
		ActiveReaders:    activeReaders,
		LeaseDeniedTotal: leaseDenied,
		SnapshotBytes:    snapshotBytes,
	}, nil
}

// ObserveModuleTick satisfies registry.MetricsRecorder.
func (c *SimCollector) ObserveModuleTick(id string, d time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.ModuleTickTime.WithLabelValues(id).Observe(d.Seconds())
	if failed {
		c.ModuleErrors.WithLabelValues(id).Inc()
	}
}

// ObserveFrame records one completed scheduler frame.
func (c *SimCollector) ObserveFrame(steps int, d time.Duration) {
	if c == nil {
		return
	}
	c.FramesTotal.Inc()
	if steps > 0 {
		c.StepsTotal.Add(float64(steps))
	}
	c.FrameDuration.Observe(d.Seconds())
}

// ObserveSwap records one world buffer swap.
func (c *SimCollector) ObserveSwap(wait, latency time.Duration) {
	if c == nil {
		return
	}
	c.SwapWait.Observe(wait.Seconds())
	c.SwapDuration.Observe(latency.Seconds())
}

// SetQualityLevel mirrors the frame controller's quality signal.
func (c *SimCollector) SetQualityLevel(level int) {
	if c == nil {
		return
	}
	c.QualityLevel.Set(float64(level))
}

// SetActiveReaders mirrors the world store's reader gauge.
func (c *SimCollector) SetActiveReaders(n int64) {
	if c == nil {
		return
	}
	c.ActiveReaders.Set(float64(n))
}

// IncLeaseDenied counts a refused read lease.
func (c *SimCollector) IncLeaseDenied() {
	if c == nil {
		return
	}
	c.LeaseDeniedTotal.Inc()
}

// AddSnapshotBytes accounts compressed snapshot output.
func (c *SimCollector) AddSnapshotBytes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.SnapshotBytes.Add(float64(n))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
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

func registerHistogram(reg prometheus.Registerer, histogram prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(histogram); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return histogram, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
