package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TrainingMetrics implements optimizer and checkpoint metrics using Prometheus.
//
// All methods accept a nil receiver so components can run without metrics.
type TrainingMetrics struct {
	registry *prometheus.Registry

	// Requests
	totalRequests  *prometheus.CounterVec
	failedRequests *prometheus.CounterVec
	responseTime   *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	// Optimizer
	gaeBatches     prometheus.Counter
	gaeSteps       prometheus.Counter
	ppoUpdates     prometheus.Counter
	minibatches    prometheus.Counter
	optimizerSteps prometheus.Counter
	earlyStops     *prometheus.CounterVec
	lastTotalLoss  prometheus.Gauge
	lastApproxKL   prometheus.Gauge

	// Checkpoints
	checkpointSaves    prometheus.Counter
	checkpointLoads    *prometheus.CounterVec
	checkpointFailures *prometheus.CounterVec
	checkpointSaveTime prometheus.Histogram
	lastCheckpointStep prometheus.Gauge

	startTime time.Time
}

// NewTrainingMetrics creates collectors registered on a fresh registry
func NewTrainingMetrics() *TrainingMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &TrainingMetrics{
		registry: registry,
		totalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policyopt_requests_total",
			Help: "Total number of optimizer requests",
		}, []string{"method"}),
		failedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policyopt_requests_failed_total",
			Help: "Total number of failed optimizer requests",
		}, []string{"method", "code"}),
		responseTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policyopt_response_time_seconds",
			Help:    "Response time of optimizer requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "policyopt_active_requests",
			Help: "Number of in-flight gRPC requests",
		}),
		gaeBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "policyopt_gae_batches_total",
			Help: "Total number of advantage batches computed",
		}),
		gaeSteps: factory.NewCounter(prometheus.CounterOpts{
			Name: "policyopt_gae_steps_total",
			Help: "Total number of trajectory steps processed by GAE",
		}),
		ppoUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "policyopt_ppo_updates_total",
			Help: "Total number of PPO update aggregations",
		}),
		minibatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "policyopt_ppo_minibatches_total",
			Help: "Total number of processed PPO minibatches",
		}),
		optimizerSteps: factory.NewCounter(prometheus.CounterOpts{
			Name: "policyopt_ppo_optimizer_steps_total",
			Help: "Total number of optimizer steps after gradient accumulation",
		}),
		earlyStops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policyopt_ppo_early_stops_total",
			Help: "Total number of PPO updates stopped early",
		}, []string{"reason"}),
		lastTotalLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "policyopt_ppo_last_total_loss",
			Help: "Mean total loss of the most recent update",
		}),
		lastApproxKL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "policyopt_ppo_last_approx_kl",
			Help: "Mean approximate KL of the most recent update",
		}),
		checkpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "policyopt_checkpoint_saves_total",
			Help: "Total number of checkpoints written",
		}),
		checkpointLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policyopt_checkpoint_loads_total",
			Help: "Total number of checkpoint resumes by source",
		}, []string{"source"}),
		checkpointFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policyopt_checkpoint_failures_total",
			Help: "Total number of checkpoint failures by operation and kind",
		}, []string{"operation", "kind"}),
		checkpointSaveTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "policyopt_checkpoint_save_seconds",
			Help:    "Time spent writing a checkpoint",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		lastCheckpointStep: factory.NewGauge(prometheus.GaugeOpts{
			Name: "policyopt_checkpoint_last_step",
			Help: "Step of the most recently written checkpoint",
		}),
		startTime: time.Now(),
	}
}

// Registry exposes the registry the collectors live on. A nil collector
// yields an empty registry.
func (m *TrainingMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Uptime returns the time since the collectors were created
func (m *TrainingMetrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}

// RecordRequest counts a finished request and its latency. code is empty on success.
func (m *TrainingMetrics) RecordRequest(method, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.totalRequests.WithLabelValues(method).Inc()
	m.responseTime.WithLabelValues(method).Observe(duration.Seconds())
	if code != "" {
		m.failedRequests.WithLabelValues(method, code).Inc()
	}
}

// IncrementActiveRequests increments in-flight requests
func (m *TrainingMetrics) IncrementActiveRequests() {
	if m == nil {
		return
	}
	m.activeRequests.Inc()
}

// DecrementActiveRequests decrements in-flight requests
func (m *TrainingMetrics) DecrementActiveRequests() {
	if m == nil {
		return
	}
	m.activeRequests.Dec()
}

// RecordAdvantageBatch records one GAE computation over steps timesteps
func (m *TrainingMetrics) RecordAdvantageBatch(steps int) {
	if m == nil {
		return
	}
	m.gaeBatches.Inc()
	m.gaeSteps.Add(float64(steps))
}

// RecordUpdate records the outcome of one update aggregation
func (m *TrainingMetrics) RecordUpdate(minibatches, optimizerSteps int, totalLoss, approxKL float64, earlyStopReason string) {
	if m == nil {
		return
	}
	m.ppoUpdates.Inc()
	m.minibatches.Add(float64(minibatches))
	m.optimizerSteps.Add(float64(optimizerSteps))
	m.lastTotalLoss.Set(totalLoss)
	m.lastApproxKL.Set(approxKL)
	if earlyStopReason != "" {
		m.earlyStops.WithLabelValues(earlyStopReason).Inc()
	}
}

// RecordCheckpointSave records a successful checkpoint write
func (m *TrainingMetrics) RecordCheckpointSave(step uint64, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkpointSaves.Inc()
	m.checkpointSaveTime.Observe(duration.Seconds())
	m.lastCheckpointStep.Set(float64(step))
}

// RecordCheckpointLoad records a resume served from source (primary or fallback)
func (m *TrainingMetrics) RecordCheckpointLoad(source string) {
	if m == nil {
		return
	}
	m.checkpointLoads.WithLabelValues(source).Inc()
}

// RecordCheckpointFailure records a failed save, load or resume
func (m *TrainingMetrics) RecordCheckpointFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.checkpointFailures.WithLabelValues(operation, kind).Inc()
}
