package wlm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"k8s.io/utils/clock"

	"inference-node/pkg/errors"
	"inference-node/pkg/models"
	"inference-node/pkg/queue"
	"inference-node/pkg/types"
)

// DefaultDataQueue is the name of the queue shared by every worker of a model.
const DefaultDataQueue = "DATA_QUEUE"

type jobQueue = queue.PriorityDeque[*models.Job]

type ModelOption func(*Model)

// WithModelClock sets the clock used for staleness and batch delays.
func WithModelClock(clk clock.PassiveClock) ModelOption {
	return func(m *Model) {
		m.clock = clk
	}
}

// WithMetricsSink sets the sink notified of accepted, completed and discarded jobs.
func WithMetricsSink(sink MetricsSink) ModelOption {
	return func(m *Model) {
		m.sink = sink
	}
}

// WithSeed makes queue selection deterministic. Each queue gets its own
// source derived from seed.
func WithSeed(seed uint64) ModelOption {
	return func(m *Model) {
		m.seed = &seed
	}
}

// Model is the batching context of one model version. It owns the shared
// data queue and a control queue per worker.
type Model struct {
	settings Settings
	clock    clock.PassiveClock
	sink     MetricsSink
	logger   *logrus.Entry
	selector queue.Selector
	seed     *uint64

	mu      sync.RWMutex
	jobsDb  map[string]*jobQueue
	created uint64

	// assembly lock, one slot
	lock chan struct{}

	failedInfReqs atomic.Int32
}

// NewModel creates a model from validated settings.
func NewModel(settings Settings, logger *logrus.Entry, opts ...ModelOption) (*Model, error) {
	if settings.Name == "" {
		return nil, errors.ErrModelNameRequired
	}

	if settings.BatchSize < 1 {
		return nil, errors.ErrInvalidBatchSize
	}

	selector, err := queue.NewSelector(settings.Selector, settings.PriorityLevels, settings.HighPriorityProb)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Model{
		settings: settings,
		clock:    clock.RealClock{},
		sink:     nopSink{},
		logger: logger.WithFields(logrus.Fields{
			"model":   settings.Name,
			"version": settings.Version,
		}),
		selector: selector,
		jobsDb:   make(map[string]*jobQueue),
		lock:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.sink = guardedSink{sink: m.sink, logger: m.logger}

	shared, err := m.newQueue(DefaultDataQueue)
	if err != nil {
		return nil, err
	}
	m.jobsDb[DefaultDataQueue] = shared

	return m, nil
}

func (m *Model) newQueue(name string) (*jobQueue, error) {
	opts := []queue.Option{
		queue.WithSelector(m.selector),
		queue.WithLogger(m.logger.WithField("queue", name)),
	}

	if m.seed != nil {
		opts = append(opts, queue.WithRand(rand.New(rand.NewSource(*m.seed+m.created))))
	}
	m.created++

	return queue.New[*models.Job](m.settings.PriorityLevels, m.settings.QueueSize, opts...)
}

func (m *Model) Name() string {
	return m.settings.Name
}

func (m *Model) Version() string {
	return m.settings.Version
}

func (m *Model) Settings() Settings {
	return m.settings
}

// AddJob enqueues job on the shared data queue. It returns false when the
// job's priority level is full.
func (m *Model) AddJob(job *models.Job) bool {
	if !m.sharedQueue().Offer(job) {
		return false
	}

	m.sink.JobAccepted(m.settings.Name, m.settings.Version, job.Priority())

	return true
}

// AddJobQueue creates the control queue of workerID. It is a no-op when the
// queue already exists.
func (m *Model) AddJobQueue(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobsDb[workerID]; ok {
		return nil
	}

	jobs, err := m.newQueue(workerID)
	if err != nil {
		return fmt.Errorf("creating queue of worker %s: %w", workerID, err)
	}
	m.jobsDb[workerID] = jobs

	return nil
}

// AddWorkerJob enqueues job on the control queue of workerID. The queue must
// have been created with AddJobQueue and not removed since.
func (m *Model) AddWorkerJob(workerID string, job *models.Job) error {
	if workerID == DefaultDataQueue {
		return errors.ErrWorkerNotFound
	}

	// RemoveJobQueue deletes under the write lock, so a job offered here is always drained
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs, ok := m.jobsDb[workerID]
	if !ok {
		return errors.ErrWorkerNotFound
	}

	if !jobs.Offer(job) {
		return errors.ErrQueueFull
	}

	return nil
}

// AddFirst returns job to the head of the shared queue.
func (m *Model) AddFirst(job *models.Job) {
	m.sharedQueue().AddFirst(job)
}

// RemoveJobQueue drops the control queue of a retired worker. Jobs still
// queued there are failed. The shared queue is never removed.
func (m *Model) RemoveJobQueue(workerID string) {
	if workerID == DefaultDataQueue {
		return
	}

	m.mu.Lock()
	jobs, ok := m.jobsDb[workerID]
	delete(m.jobsDb, workerID)
	m.mu.Unlock()

	if !ok {
		return
	}

	for {
		job, ok, _ := jobs.Poll(context.Background(), 0)
		if !ok {
			return
		}

		job.Fail(http.StatusServiceUnavailable, fmt.Sprintf("worker %s retired", workerID))
	}
}

func (m *Model) sharedQueue() *jobQueue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.jobsDb[DefaultDataQueue]
}

func (m *Model) workerQueue(workerID string) *jobQueue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.jobsDb[workerID]
}

// PollBatch fills batch with the next jobs for workerID. Control jobs queued
// for the worker are returned alone, waiting at most waitTime. Otherwise the
// caller takes the assembly lock, blocks for a first job and then pulls up to
// batch size - 1 more jobs within the max batch delay. Describe jobs are
// always served alone. Stale jobs are dropped and answered with 504.
//
// A positive waitTime also bounds each wait for the first job, so control
// jobs queued in the meantime end the call with an empty batch.
func (m *Model) PollBatch(ctx context.Context, workerID string, waitTime time.Duration, batch map[string]*models.Job) error {
	if batch == nil || workerID == "" {
		return errors.ErrInvalidPollArgs
	}

	if len(batch) != 0 {
		return errors.ErrBatchNotEmpty
	}

	if jobs := m.workerQueue(workerID); jobs != nil && !jobs.IsEmpty() {
		job, ok, err := jobs.Poll(ctx, waitTime)
		if err != nil {
			return fmt.Errorf("polling control queue of %s: %w", workerID, err)
		}

		if ok {
			job.SetScheduled(m.clock.Now())
			batch[job.ID()] = job
		}

		return nil
	}

	select {
	case m.lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for batch assembly: %w", ctx.Err())
	}
	defer func() { <-m.lock }()

	shared := m.sharedQueue()

	first, err := m.pollFirst(ctx, shared, workerID, waitTime)
	if err != nil || first == nil {
		return err
	}

	batch[first.ID()] = first
	if first.Command().IsSingleBatch() {
		return nil
	}

	collected := []*models.Job{first}

	// Poll's timer runs on wall time, so the batch delay does too.
	deadline := time.Now().Add(m.settings.MaxBatchDelay)

	for pulls := 0; pulls < m.settings.BatchSize-1; pulls++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		job, ok, err := shared.Poll(ctx, remaining)
		if err != nil {
			m.putBack(shared, collected, batch)
			return fmt.Errorf("collecting batch: %w", err)
		}

		if !ok {
			break
		}

		if job.Command().IsSingleBatch() {
			shared.AddFirst(job)
			break
		}

		if m.admit(job) {
			batch[job.ID()] = job
			collected = append(collected, job)
		}
	}

	return nil
}

func (m *Model) hasControlJobs(workerID string) bool {
	jobs := m.workerQueue(workerID)

	return jobs != nil && !jobs.IsEmpty()
}

// pollFirst waits for the first usable job of a batch, dropping stale ones.
// It returns a nil job when control jobs arrive for workerID while waiting.
func (m *Model) pollFirst(ctx context.Context, shared *jobQueue, workerID string, waitTime time.Duration) (*models.Job, error) {
	slice := waitTime
	if slice <= 0 {
		slice = queue.Forever
	}

	for {
		job, ok, err := shared.Poll(ctx, slice)
		if err != nil {
			return nil, fmt.Errorf("waiting for first job: %w", err)
		}

		if !ok {
			if m.hasControlJobs(workerID) {
				return nil, nil
			}

			continue
		}

		if m.admit(job) {
			return job, nil
		}
	}
}

// admit stamps job as scheduled, or drops and answers it when it has waited
// at least the queue timeout.
func (m *Model) admit(job *models.Job) bool {
	now := m.clock.Now()

	if timeout := m.settings.QueueTimeout; timeout > 0 && now.Sub(job.Arrival()) >= timeout {
		m.logger.WithFields(logrus.Fields{
			"request_id": job.ID(),
			"priority":   job.Priority(),
			"age":        now.Sub(job.Arrival()),
		}).Trace("dropping stale job")
		m.sink.JobDiscarded(m.settings.Name, m.settings.Version, job.Priority())
		job.Fail(http.StatusGatewayTimeout, "request waited past the queue timeout")

		return false
	}

	job.SetScheduled(now)

	return true
}

// putBack returns a partially collected batch to the head of the shared queue in its original order.
func (m *Model) putBack(shared *jobQueue, collected []*models.Job, batch map[string]*models.Job) {
	for i := len(collected) - 1; i >= 0; i-- {
		shared.AddFirst(collected[i])
		delete(batch, collected[i].ID())
	}
}

// IncrFailedInfReqs counts a failed inference call and returns the consecutive failure count.
func (m *Model) IncrFailedInfReqs() int {
	return int(m.failedInfReqs.Add(1))
}

func (m *Model) ResetFailedInfReqs() {
	m.failedInfReqs.Store(0)
}

// QueueDepths reports the depth of every queue, shared queue first.
func (m *Model) QueueDepths() []types.QueueStatus {
	m.mu.RLock()
	names := make([]string, 0, len(m.jobsDb))
	queues := make(map[string]*jobQueue, len(m.jobsDb))
	for name, jobs := range m.jobsDb {
		names = append(names, name)
		queues[name] = jobs
	}
	m.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool {
		if names[i] == DefaultDataQueue {
			return true
		}
		if names[j] == DefaultDataQueue {
			return false
		}

		return names[i] < names[j]
	})

	status := make([]types.QueueStatus, 0, len(names))
	for _, name := range names {
		levels := queues[name].LevelLens()

		total := 0
		for _, n := range levels {
			total += n
		}

		status = append(status, types.QueueStatus{Name: name, Total: total, Levels: levels})
	}

	return status
}

// State returns the model configuration and queue depths.
func (m *Model) State() types.ModelStatus {
	return types.ModelStatus{
		Name:            m.settings.Name,
		Version:         m.settings.Version,
		BatchSize:       m.settings.BatchSize,
		MaxBatchDelayMs: m.settings.MaxBatchDelay.Milliseconds(),
		QueueTimeoutMs:  m.settings.QueueTimeout.Milliseconds(),
		ResponseTimeout: m.settings.ResponseTimeout.Milliseconds(),
		MinWorkers:      m.settings.MinWorkers,
		MaxWorkers:      m.settings.MaxWorkers,
		FailedInfReqs:   int(m.failedInfReqs.Load()),
		Queues:          m.QueueDepths(),
	}
}
