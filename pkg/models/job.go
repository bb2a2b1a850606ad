package models

import (
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Payload is the request body and headers carried by a job. RequestID is the
// caller's correlation id and is not required to be unique.
type Payload struct {
	RequestID string            `json:"request_id"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"-"`
}

// Responder delivers the outcome of a job back to whoever submitted it.
type Responder interface {
	Respond(body []byte, contentType string, statusCode int, statusPhrase string, headers map[string]string)
	Fail(statusCode int, message string)
}

// Job is a single request envelope flowing through the dispatch queues.
// Everything but priority and scheduled time is fixed at construction.
type Job struct {
	id           string
	modelName    string
	modelVersion string
	cmd          Command
	payload      Payload
	priority     Priority
	arrival      time.Time
	scheduled    time.Time
	responder    Responder
}

type JobOption func(*jobOptions)

type jobOptions struct {
	clock clock.PassiveClock
}

// WithClock sets the clock used to stamp the arrival time.
func WithClock(clk clock.PassiveClock) JobOption {
	return func(o *jobOptions) {
		o.clock = clk
	}
}

// NewJob creates a job with a fresh unique id. The priority comes from the
// PriorityHeader of the payload. A payload without a request id gets the job id.
func NewJob(modelName, modelVersion string, cmd Command, payload Payload, responder Responder, opts ...JobOption) *Job {
	options := jobOptions{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&options)
	}

	id := uuid.New().String()
	if payload.RequestID == "" {
		payload.RequestID = id
	}

	priority, _ := ParsePriority(payload.Headers[PriorityHeader])
	now := options.clock.Now()

	return &Job{
		id:           id,
		modelName:    modelName,
		modelVersion: modelVersion,
		cmd:          cmd,
		payload:      payload,
		priority:     priority,
		arrival:      now,
		scheduled:    now,
		responder:    responder,
	}
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) ModelName() string {
	return j.modelName
}

func (j *Job) ModelVersion() string {
	return j.modelVersion
}

func (j *Job) Command() Command {
	return j.cmd
}

func (j *Job) Payload() Payload {
	return j.payload
}

func (j *Job) Priority() Priority {
	return j.priority
}

// SetPriority is used by queues to correct a level they do not have.
func (j *Job) SetPriority(p Priority) {
	j.priority = p
}

// Arrival is when the job was created.
func (j *Job) Arrival() time.Time {
	return j.arrival
}

// Scheduled is when the job was handed to a worker.
func (j *Job) Scheduled() time.Time {
	return j.scheduled
}

func (j *Job) SetScheduled(t time.Time) {
	j.scheduled = t
}

// QueueTime is how long the job waited before being scheduled.
func (j *Job) QueueTime() time.Duration {
	return j.scheduled.Sub(j.arrival)
}

// Respond delivers a successful response. Jobs without a responder are dropped silently.
func (j *Job) Respond(body []byte, contentType string, statusCode int, statusPhrase string, headers map[string]string) {
	if j.responder == nil {
		return
	}

	j.responder.Respond(body, contentType, statusCode, statusPhrase, headers)
}

// Fail delivers an error response.
func (j *Job) Fail(statusCode int, message string) {
	if j.responder == nil {
		return
	}

	j.responder.Fail(statusCode, message)
}
