package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "jobqueue"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Publisher = "publisher"
	Consumer  = "consumer"
	Drain     = "drain"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple worker instances.
type Labels struct {
	Driver        string // Queue backend (e.g., "sqs", "kafka")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Driver != "" {
		labels["driver"] = l.Driver
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

// latencyBuckets cover 1ms to 10s.
var latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

type Metrics struct {
	// Publish metrics
	enqueued        *prometheus.CounterVec   // by queue, status
	enqueueDuration *prometheus.HistogramVec // by queue

	// Consumer metrics
	jobsReceived     *prometheus.CounterVec   // by queue
	jobsProcessed    *prometheus.CounterVec   // by queue, status
	jobDuration      *prometheus.HistogramVec // by queue
	jobsInFlight     *prometheus.GaugeVec     // by queue
	jobsAcked        *prometheus.CounterVec   // by queue
	decodeErrors     *prometheus.CounterVec   // by queue
	pollErrors       *prometheus.CounterVec   // by queue
	consumersRunning *prometheus.GaugeVec     // by queue
	backendErrors    *prometheus.CounterVec   // by severity (fatal/non_fatal)
	redeliveries     *prometheus.CounterVec   // by queue

	// Drain metrics
	drains        *prometheus.CounterVec // by status
	drainDuration prometheus.Histogram
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., driver), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "enqueued_total",
			Help:      "Total enqueue attempts by queue and status",
		}, []string{"queue", "status"}),
		enqueueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "enqueue_duration_seconds",
			Help:      "Time until the backend acknowledged an enqueue",
			Buckets:   latencyBuckets,
		}, []string{"queue"}),
		jobsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "jobs_received_total",
			Help:      "Total messages received by queue",
		}, []string{"queue"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "jobs_processed_total",
			Help:      "Total jobs handled by queue and status",
		}, []string{"queue", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time",
			Buckets:   latencyBuckets,
		}, []string{"queue"}),
		jobsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "jobs_in_flight",
			Help:      "Number of handlers currently running",
		}, []string{"queue"}),
		jobsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "jobs_acked_total",
			Help:      "Total jobs acknowledged by their handler",
		}, []string{"queue"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "decode_errors_total",
			Help:      "Total messages whose body could not be decoded",
		}, []string{"queue"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "poll_errors_total",
			Help:      "Total errors while receiving from the backend",
		}, []string{"queue"}),
		consumersRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "running",
			Help:      "1 while a consumer is running for the queue",
		}, []string{"queue"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "backend_errors_total",
			Help:      "Total backend client errors by severity (fatal/non_fatal)",
		}, []string{"severity"}),
		redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "redeliveries_total",
			Help:      "Total messages handed back to the backend for redelivery",
		}, []string{"queue"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Drain,
			Name:      "total",
			Help:      "Total drain operations by status",
		}, []string{"status"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Drain,
			Name:      "duration_seconds",
			Help:      "Time to stop all consumers",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}

	err := errors.Join(
		reg.Register(m.enqueued),
		reg.Register(m.enqueueDuration),
		reg.Register(m.jobsReceived),
		reg.Register(m.jobsProcessed),
		reg.Register(m.jobDuration),
		reg.Register(m.jobsInFlight),
		reg.Register(m.jobsAcked),
		reg.Register(m.decodeErrors),
		reg.Register(m.pollErrors),
		reg.Register(m.consumersRunning),
		reg.Register(m.backendErrors),
		reg.Register(m.redeliveries),
		reg.Register(m.drains),
		reg.Register(m.drainDuration),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordEnqueue records a publish attempt and how long the backend took to acknowledge it.
func (m *Metrics) RecordEnqueue(queue string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(queue, status(err)).Inc()
	m.enqueueDuration.WithLabelValues(queue).Observe(durationSeconds)
}

// RecordJobReceived records a message delivered by the backend.
func (m *Metrics) RecordJobReceived(queue string) {
	if m == nil {
		return
	}
	m.jobsReceived.WithLabelValues(queue).Inc()
}

// RecordJobProcessed records a handler outcome.
func (m *Metrics) RecordJobProcessed(queue string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue, status(err)).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(durationSeconds)
}

// IncJobsInFlight increments the in-flight handler gauge.
func (m *Metrics) IncJobsInFlight(queue string) {
	if m == nil {
		return
	}
	m.jobsInFlight.WithLabelValues(queue).Inc()
}

// DecJobsInFlight decrements the in-flight handler gauge.
func (m *Metrics) DecJobsInFlight(queue string) {
	if m == nil {
		return
	}
	m.jobsInFlight.WithLabelValues(queue).Dec()
}

// RecordAck records a handler acknowledgement.
func (m *Metrics) RecordAck(queue string) {
	if m == nil {
		return
	}
	m.jobsAcked.WithLabelValues(queue).Inc()
}

// RecordDecodeError records a message body that is not valid JSON.
func (m *Metrics) RecordDecodeError(queue string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(queue).Inc()
}

// RecordPollError records a failed receive call.
func (m *Metrics) RecordPollError(queue string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(queue).Inc()
}

// SetConsumerRunning flips the running gauge of a queue.
func (m *Metrics) SetConsumerRunning(queue string, running bool) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	m.consumersRunning.WithLabelValues(queue).Set(v)
}

// RecordBackendError records an error reported by a backend client.
func (m *Metrics) RecordBackendError(fatal bool) {
	if m == nil {
		return
	}
	severity := "non_fatal"
	if fatal {
		severity = "fatal"
	}
	m.backendErrors.WithLabelValues(severity).Inc()
}

// RecordRedelivery records a message handed back to the backend.
func (m *Metrics) RecordRedelivery(queue string) {
	if m == nil {
		return
	}
	m.redeliveries.WithLabelValues(queue).Inc()
}

// RecordDrain records a drain outcome and duration.
func (m *Metrics) RecordDrain(err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(status(err)).Inc()
	m.drainDuration.Observe(durationSeconds)
}
