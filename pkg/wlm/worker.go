package wlm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"inference-node/pkg/defaults"
	"inference-node/pkg/errors"
	"inference-node/pkg/models"
	"inference-node/pkg/types"
)

const tracerName = "inference-node/pkg/wlm"

// Response is what a backend produced for one job of a batch.
type Response struct {
	RequestID    string
	Body         []byte
	ContentType  string
	StatusCode   int
	StatusPhrase string
	Headers      map[string]string
}

// Backend runs a batch of jobs on a device. Device is -1 for host execution.
type Backend interface {
	Predict(ctx context.Context, device int, jobs []*models.Job) ([]Response, error)
}

// DeviceAssigner hands out accelerators to workers.
type DeviceAssigner interface {
	Assign(ctx context.Context, workerID string) int
	Release(workerID string)
}

// EchoBackend returns every request body unchanged.
type EchoBackend struct{}

func (EchoBackend) Predict(_ context.Context, _ int, jobs []*models.Job) ([]Response, error) {
	responses := make([]Response, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, Response{
			RequestID:    job.ID(),
			Body:         job.Payload().Body,
			ContentType:  "application/octet-stream",
			StatusCode:   http.StatusOK,
			StatusPhrase: http.StatusText(http.StatusOK),
		})
	}

	return responses, nil
}

// Worker pulls batches for one model and runs them on its assigned device.
type Worker struct {
	id        string
	model     *Model
	allocator DeviceAssigner
	backend   Backend
	logger    *logrus.Entry
	tracer    trace.Tracer
	waitTime  time.Duration

	mu       sync.Mutex
	device   int
	state    models.WorkerState
	restarts int
}

func NewWorker(id string, model *Model, allocator DeviceAssigner, backend Backend, logger *logrus.Entry) *Worker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Worker{
		id:        id,
		model:     model,
		allocator: allocator,
		backend:   backend,
		logger:    logger.WithField("worker", id),
		tracer:    otel.Tracer(tracerName),
		waitTime:  defaults.WorkerWaitTime,
		device:    defaults.NoDevice,
		state:     models.WorkerStarting,
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Device is the accelerator assigned on the last Run.
func (w *Worker) Device() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.device
}

// Status reports the device, state and restart count of the worker.
func (w *Worker) Status() types.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	return types.WorkerStatus{
		ID:       w.id,
		Model:    w.model.Name(),
		Device:   w.device,
		State:    string(w.state),
		Restarts: w.restarts,
	}
}

func (w *Worker) setState(state models.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if state == models.WorkerRestarting {
		w.restarts++
	}
	w.state = state
}

// Run registers the worker's control queue, assigns a device and serves
// batches until ctx is done or the backend fails. A canceled context ends the
// run without error.
func (w *Worker) Run(ctx context.Context) error {
	if w.backend == nil {
		return errors.ErrBackendRequired
	}

	w.setState(models.WorkerStarting)

	if err := w.model.AddJobQueue(w.id); err != nil {
		return err
	}

	device := w.allocator.Assign(ctx, w.id)

	w.mu.Lock()
	w.device = device
	w.state = models.WorkerReady
	w.mu.Unlock()

	w.logger.WithField("device", device).Info("worker started")

	for {
		batch := make(map[string]*models.Job, w.model.settings.BatchSize)

		if err := w.model.PollBatch(ctx, w.id, w.waitTime, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if len(batch) == 0 {
			continue
		}

		if err := w.runBatch(ctx, device, batch); err != nil {
			return err
		}
	}
}

func (w *Worker) runBatch(ctx context.Context, device int, batch map[string]*models.Job) error {
	jobs := make([]*models.Job, 0, len(batch))
	for _, job := range batch {
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Arrival().Before(jobs[j].Arrival())
	})

	ctx, span := w.tracer.Start(ctx, "batch", trace.WithAttributes(
		attribute.String("model", w.model.Name()),
		attribute.String("worker", w.id),
		attribute.Int("device", device),
		attribute.Int("size", len(jobs)),
	))
	defer span.End()

	if timeout := w.model.settings.ResponseTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	begin := time.Now()
	responses, err := w.backend.Predict(ctx, device, jobs)
	inferTime := time.Since(begin)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		for _, job := range jobs {
			job.Fail(http.StatusServiceUnavailable, err.Error())

			if !job.Command().IsControl() {
				w.model.sink.JobFailed(w.model.Name(), w.model.Version(), job.Priority())
			}
		}

		failed := w.model.IncrFailedInfReqs()
		w.logger.WithError(err).WithFields(logrus.Fields{
			"device": device,
			"failed": failed,
		}).Error("batch failed")

		return fmt.Errorf("running batch on device %d: %w", device, err)
	}

	w.model.ResetFailedInfReqs()

	byID := make(map[string]Response, len(responses))
	for _, resp := range responses {
		byID[resp.RequestID] = resp
	}

	for _, job := range jobs {
		resp, ok := byID[job.ID()]
		if !ok {
			job.Fail(http.StatusInternalServerError, "backend returned no response")
		} else {
			job.Respond(resp.Body, resp.ContentType, resp.StatusCode, resp.StatusPhrase, resp.Headers)
		}

		if !job.Command().IsControl() {
			w.model.sink.JobCompleted(w.model.Name(), w.model.Version(), job.Priority(), job.QueueTime(), inferTime)
		}
	}

	return nil
}

type PoolOption func(*WorkerPool)

// WithRestartBackoff sets the pause before a failed worker is restarted.
func WithRestartBackoff(backoff time.Duration) PoolOption {
	return func(p *WorkerPool) {
		p.backoff = backoff
	}
}

// WorkerPool supervises the workers of one model, restarting those that fail.
// A restart asks the allocator again, which counts as a failure of the
// previous device.
type WorkerPool struct {
	model     *Model
	allocator DeviceAssigner
	backend   Backend
	logger    *logrus.Entry
	backoff   time.Duration

	mu      sync.Mutex
	workers map[string]*Worker
	wg      sync.WaitGroup
}

func NewWorkerPool(model *Model, allocator DeviceAssigner, backend Backend, logger *logrus.Entry, opts ...PoolOption) *WorkerPool {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &WorkerPool{
		model:     model,
		allocator: allocator,
		backend:   backend,
		logger:    logger.WithField("model", model.Name()),
		backoff:   defaults.WorkerRestartBackoff,
		workers:   make(map[string]*Worker),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start launches n workers that run until ctx is done.
func (p *WorkerPool) Start(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("W-%s-%d", p.model.Name(), i)
		worker := NewWorker(id, p.model, p.allocator, p.backend, p.logger)

		p.mu.Lock()
		p.workers[id] = worker
		p.mu.Unlock()

		p.wg.Add(1)
		go p.supervise(ctx, worker)
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Devices returns the device of every worker.
func (p *WorkerPool) Devices() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	devices := make(map[string]int, len(p.workers))
	for id, worker := range p.workers {
		devices[id] = worker.Device()
	}

	return devices
}

// Workers reports the status of every running worker, ordered by id.
func (p *WorkerPool) Workers() []types.WorkerStatus {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, worker := range p.workers {
		workers = append(workers, worker)
	}
	p.mu.Unlock()

	status := make([]types.WorkerStatus, 0, len(workers))
	for _, worker := range workers {
		status = append(status, worker.Status())
	}

	sort.Slice(status, func(i, j int) bool {
		return status[i].ID < status[j].ID
	})

	return status
}

func (p *WorkerPool) supervise(ctx context.Context, worker *Worker) {
	defer p.wg.Done()
	defer p.retire(worker)

	logger := p.logger.WithField("worker", worker.ID())

	for {
		err := worker.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		if err == errors.ErrBackendRequired {
			logger.WithError(err).Error("worker cannot run")
			return
		}

		worker.setState(models.WorkerRestarting)
		logger.WithError(err).WithField("backoff", p.backoff).Warn("restarting worker")

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.backoff):
		}
	}
}

func (p *WorkerPool) retire(worker *Worker) {
	worker.setState(models.WorkerRetired)
	p.allocator.Release(worker.ID())
	p.model.RemoveJobQueue(worker.ID())

	p.mu.Lock()
	delete(p.workers, worker.ID())
	p.mu.Unlock()

	p.logger.WithField("worker", worker.ID()).Info("worker retired")
}
