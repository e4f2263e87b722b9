// Package metrics exposes pipeline counters to Prometheus and serves the
// operator control endpoint for the tuning cells.
package metrics

import (
	"github.com/andresmejia3/frontline/internal/pacer"
	"github.com/andresmejia3/frontline/internal/sampler"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "frontline"

// Metrics is a per-pipeline registry. Counters fed from other components are
// registered as functions so the owning component stays the source of truth.
type Metrics struct {
	reg *prometheus.Registry

	Tracked        prometheus.Counter
	Keypoints      prometheus.Counter
	Violations     prometheus.Counter
	TrackErrors    prometheus.Counter
	Throughput     prometheus.Gauge
	DequeueLatency prometheus.Histogram
	TrackLatency   prometheus.Histogram
	PacingWait     prometheus.Histogram
	KeypointsPer   prometheus.Histogram
}

// New creates the registry and the consumer-side collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Tracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "results_tracked_total",
			Help: "Results forwarded to the tracker.",
		}),
		Keypoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "keypoints_total",
			Help: "Keypoints carried by tracked results.",
		}),
		Violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alignment_violations_total",
			Help: "Results whose keypoint and descriptor counts disagree.",
		}),
		TrackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "track_errors_total",
			Help: "Results the tracker rejected.",
		}),
		Throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "throughput_fps",
			Help: "Windowed consumer throughput in results per second.",
		}),
		DequeueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dequeue_latency_seconds",
			Help:    "Time the consumer waited for the next result.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		TrackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "track_latency_seconds",
			Help:    "Time spent inside the tracker per result.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		PacingWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pacing_wait_seconds",
			Help:    "Sleep inserted to hold the target rate.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		KeypointsPer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "keypoints_per_result",
			Help:    "Keypoints per tracked result.",
			Buckets: prometheus.LinearBuckets(0, 250, 9),
		}),
	}
	m.reg.MustRegister(m.Tracked, m.Keypoints, m.Violations, m.TrackErrors, m.Throughput,
		m.DequeueLatency, m.TrackLatency, m.PacingWait, m.KeypointsPer)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveSample records one pacer sample. It is suitable as a pacer observer.
func (m *Metrics) ObserveSample(s pacer.Sample) {
	m.Tracked.Inc()
	m.Keypoints.Add(float64(s.Keypoints))
	m.KeypointsPer.Observe(float64(s.Keypoints))
	m.Throughput.Set(s.Throughput)
	m.DequeueLatency.Observe(s.DequeueLatency.Seconds())
	m.TrackLatency.Observe(s.TrackLatency.Seconds())
	m.PacingWait.Observe(s.Wait.Seconds())
	if s.Violation != nil {
		m.Violations.Inc()
	}
	if s.TrackErr != nil {
		m.TrackErrors.Inc()
	}
}

// WatchProducer exports the sampler or replayer counters.
func (m *Metrics) WatchProducer(stats func() sampler.Stats) {
	counter := func(name, help string, pick func(sampler.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sampler", Name: name, Help: help,
		}, func() float64 { return float64(pick(stats())) })
	}
	m.reg.MustRegister(
		counter("frames_seen_total", "Frames grabbed or retrieved from the source.", func(s sampler.Stats) uint64 { return s.Seen }),
		counter("frames_flushed_total", "Frames discarded by rate control without decoding.", func(s sampler.Stats) uint64 { return s.Flushed }),
		counter("frames_delivered_total", "Frames admitted to the pipeline.", func(s sampler.Stats) uint64 { return s.Delivered }),
		counter("frames_dropped_total", "Decoded frames rejected by a saturated queue.", func(s sampler.Stats) uint64 { return s.Dropped }),
		counter("frames_skipped_total", "Unreadable frames skipped during replay.", func(s sampler.Stats) uint64 { return s.Skipped }),
	)
}

// WatchQueue exports the depth and capacity of a named queue.
func (m *Metrics) WatchQueue(name string, depth func() int, capacity int) {
	labels := prometheus.Labels{"queue": name}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Items waiting in a pipeline queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(depth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_capacity", Help: "Hard capacity of a pipeline queue.",
			ConstLabels: labels,
		}, func() float64 { return float64(capacity) }),
	)
}

// WatchSoftFailures exports the soft failure count of a named stage.
func (m *Metrics) WatchSoftFailures(stage string, count func() uint64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "soft_failures_total",
		Help:        "Frames that produced an empty result after an extraction failure.",
		ConstLabels: prometheus.Labels{"stage": stage},
	}, func() float64 { return float64(count()) }))
}

// WatchTuning exports the current value of every tuning cell.
func (m *Metrics) WatchTuning(p *tuning.Params) {
	gauge := func(name, help string, read func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tuning", Name: name, Help: help,
		}, read)
	}
	m.reg.MustRegister(
		gauge("target_rate_fps", "Target delivery rate.", p.TargetRate.Load),
		gauge("conf_threshold", "Detector confidence threshold.", p.ConfThreshold.Load),
		gauge("nms_distance", "Non-maximum suppression radius in pixels.", func() float64 { return float64(p.NMSDistance.Load()) }),
		gauge("fast_threshold", "FAST corner threshold.", func() float64 { return float64(p.FASTThreshold.Load()) }),
	)
}
