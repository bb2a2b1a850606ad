package metrics

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"inference-node/pkg/models"
)

const (
	InferenceRequestsTotal       = "inference_requests_total"
	InferenceLatencyMicroseconds = "inference_latency_microseconds"
	QueueLatencyMicroseconds     = "queue_latency_microseconds"
	QueueRequests                = "queue_requests"
	StaleRequestsTotal           = "stale_requests_total"
	FailedRequestsTotal          = "failed_requests_total"

	LabelUUID         = "uuid"
	LabelModelName    = "model_name"
	LabelModelVersion = "model_version"
	LabelPriority     = "priority"
)

// PrometheusSink records job events as Prometheus metrics. Every series
// carries the uuid of the process that emitted it.
type PrometheusSink struct {
	instance string

	requests      *prometheus.CounterVec
	inferLatency  *prometheus.CounterVec
	queueLatency  *prometheus.CounterVec
	queueRequests *prometheus.GaugeVec
	stale         *prometheus.CounterVec
	failed        *prometheus.CounterVec
}

// NewPrometheusSink creates the job metrics and registers them with registry.
func NewPrometheusSink(registry prometheus.Registerer) (*PrometheusSink, error) {
	labels := []string{LabelUUID, LabelModelName, LabelModelVersion, LabelPriority}

	s := &PrometheusSink{
		instance: uuid.New().String(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: InferenceRequestsTotal,
			Help: "Total number of inference requests accepted into a queue",
		}, labels),
		inferLatency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: InferenceLatencyMicroseconds,
			Help: "Cumulative inference duration in microseconds",
		}, labels),
		queueLatency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: QueueLatencyMicroseconds,
			Help: "Cumulative queue duration in microseconds",
		}, labels),
		queueRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: QueueRequests,
			Help: "Number of requests waiting in a queue",
		}, labels),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: StaleRequestsTotal,
			Help: "Total number of requests dropped because they waited past the queue timeout",
		}, labels),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: FailedRequestsTotal,
			Help: "Total number of requests whose batch failed in the backend",
		}, labels),
	}

	collectors := map[string]prometheus.Collector{
		InferenceRequestsTotal:       s.requests,
		InferenceLatencyMicroseconds: s.inferLatency,
		QueueLatencyMicroseconds:     s.queueLatency,
		QueueRequests:                s.queueRequests,
		StaleRequestsTotal:           s.stale,
		FailedRequestsTotal:          s.failed,
	}

	for name, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}

	return s, nil
}

// Instance is the uuid label value of this sink.
func (s *PrometheusSink) Instance() string {
	return s.instance
}

func (s *PrometheusSink) labels(modelName, modelVersion string, priority models.Priority) prometheus.Labels {
	return prometheus.Labels{
		LabelUUID:         s.instance,
		LabelModelName:    modelName,
		LabelModelVersion: modelVersion,
		LabelPriority:     priority.String(),
	}
}

func (s *PrometheusSink) JobAccepted(modelName, modelVersion string, priority models.Priority) {
	labels := s.labels(modelName, modelVersion, priority)

	s.requests.With(labels).Inc()
	s.queueRequests.With(labels).Inc()
}

func (s *PrometheusSink) JobCompleted(modelName, modelVersion string, priority models.Priority, queueTime, inferTime time.Duration) {
	labels := s.labels(modelName, modelVersion, priority)

	s.queueRequests.With(labels).Dec()
	s.queueLatency.With(labels).Add(float64(queueTime.Microseconds()))
	s.inferLatency.With(labels).Add(float64(inferTime.Microseconds()))
}

func (s *PrometheusSink) JobDiscarded(modelName, modelVersion string, priority models.Priority) {
	labels := s.labels(modelName, modelVersion, priority)

	s.queueRequests.With(labels).Dec()
	s.stale.With(labels).Inc()
}

func (s *PrometheusSink) JobFailed(modelName, modelVersion string, priority models.Priority) {
	labels := s.labels(modelName, modelVersion, priority)

	s.queueRequests.With(labels).Dec()
	s.failed.With(labels).Inc()
}
