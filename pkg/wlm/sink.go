package wlm

import (
	"time"

	"github.com/sirupsen/logrus"

	"inference-node/pkg/models"
)

// MetricsSink receives queueing and completion events. Calls are fire and forget.
type MetricsSink interface {
	// JobAccepted is called once a job has been enqueued.
	JobAccepted(modelName, modelVersion string, priority models.Priority)
	// JobCompleted is called once a job's response has been delivered.
	JobCompleted(modelName, modelVersion string, priority models.Priority, queueTime, inferTime time.Duration)
	// JobDiscarded is called when a stale job is dropped from a batch.
	JobDiscarded(modelName, modelVersion string, priority models.Priority)
	// JobFailed is called when the backend could not run the job's batch.
	JobFailed(modelName, modelVersion string, priority models.Priority)
}

type nopSink struct{}

func (nopSink) JobAccepted(string, string, models.Priority) {}

func (nopSink) JobCompleted(string, string, models.Priority, time.Duration, time.Duration) {}

func (nopSink) JobDiscarded(string, string, models.Priority) {}

func (nopSink) JobFailed(string, string, models.Priority) {}

// guardedSink keeps a misbehaving sink from breaking queueing or batching.
type guardedSink struct {
	sink   MetricsSink
	logger *logrus.Entry
}

func (g guardedSink) recover(event string) {
	if r := recover(); r != nil {
		g.logger.WithField("event", event).Errorf("metrics sink panicked: %v", r)
	}
}

func (g guardedSink) JobAccepted(modelName, modelVersion string, priority models.Priority) {
	defer g.recover("accepted")
	g.sink.JobAccepted(modelName, modelVersion, priority)
}

func (g guardedSink) JobCompleted(modelName, modelVersion string, priority models.Priority, queueTime, inferTime time.Duration) {
	defer g.recover("completed")
	g.sink.JobCompleted(modelName, modelVersion, priority, queueTime, inferTime)
}

func (g guardedSink) JobDiscarded(modelName, modelVersion string, priority models.Priority) {
	defer g.recover("discarded")
	g.sink.JobDiscarded(modelName, modelVersion, priority)
}

func (g guardedSink) JobFailed(modelName, modelVersion string, priority models.Priority) {
	defer g.recover("failed")
	g.sink.JobFailed(modelName, modelVersion, priority)
}
