package api

import (
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"inference-node/pkg/errors"
	"inference-node/pkg/log"
	"inference-node/pkg/models"
	"inference-node/pkg/types"
	"inference-node/pkg/wlm"
)

// RequestIDHeader carries the client's correlation id. It is echoed back, or
// set to the generated job id when the client sent none.
const RequestIDHeader = "X-Request-Id"

// maxBodySize bounds a prediction request body.
const maxBodySize = 64 << 20

// DeviceSnapshotter reports accelerator state.
type DeviceSnapshotter interface {
	Snapshot() types.AllocatorStatus
}

// WorkerLister reports supervised workers.
type WorkerLister interface {
	Workers() []types.WorkerStatus
}

// InferenceAPI accepts prediction requests for its models and serves device,
// queue and metrics status.
type InferenceAPI struct {
	allocator DeviceSnapshotter
	models    map[string]*wlm.Model
	workers   []WorkerLister
	gatherer  prometheus.Gatherer
	logger    *logrus.Entry
}

// NewInferenceAPI creates the API handler.
func NewInferenceAPI(allocator DeviceSnapshotter, gatherer prometheus.Gatherer, logger *logrus.Entry, served ...*wlm.Model) *InferenceAPI {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	api := &InferenceAPI{
		allocator: allocator,
		models:    make(map[string]*wlm.Model, len(served)),
		gatherer:  gatherer,
		logger:    logger.WithField("component", "api"),
	}

	for _, m := range served {
		api.models[m.Name()] = m
	}

	return api
}

// WithWorkers adds the workers of lister to the worker status endpoint.
func (api *InferenceAPI) WithWorkers(lister WorkerLister) *InferenceAPI {
	api.workers = append(api.workers, lister)

	return api
}

// RegisterRoutes registers all inference API routes
func (api *InferenceAPI) RegisterRoutes(router *mux.Router) {
	// Inference endpoints
	router.HandleFunc("/predictions/{model}", api.Predict).Methods("POST")
	router.HandleFunc("/api/v1/models/{model}/describe", api.Describe).Methods("GET")
	router.HandleFunc("/api/v1/models/{model}/workers/{worker}/{command}", api.Control).Methods("POST")

	// Status endpoints
	router.HandleFunc("/api/v1/models", api.ListModels).Methods("GET")
	router.HandleFunc("/api/v1/models/{model}", api.GetModel).Methods("GET")
	router.HandleFunc("/api/v1/gpu/devices", api.GetDevices).Methods("GET")
	router.HandleFunc("/api/v1/workers", api.GetWorkers).Methods("GET")

	// Health check endpoint
	router.HandleFunc("/api/v1/health", api.HealthCheck).Methods("GET")

	if api.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Predict queues the request body as a prediction job and waits for its response.
func (api *InferenceAPI) Predict(w http.ResponseWriter, r *http.Request) {
	model, ok := api.model(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, responder := newJob(r, model, models.CommandPredict, body)
	if !model.AddJob(job) {
		api.rejectFull(w, r, model, job)
		return
	}

	api.await(w, r, model, job, responder)
}

// Describe queues a describe job, which a worker serves on its own.
func (api *InferenceAPI) Describe(w http.ResponseWriter, r *http.Request) {
	model, ok := api.model(w, r)
	if !ok {
		return
	}

	job, responder := newJob(r, model, models.CommandDescribe, nil)
	if !model.AddJob(job) {
		api.rejectFull(w, r, model, job)
		return
	}

	api.await(w, r, model, job, responder)
}

// Control queues a control command on one worker of a model. The worker
// serves it before any further batch.
func (api *InferenceAPI) Control(w http.ResponseWriter, r *http.Request) {
	model, ok := api.model(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)

	cmd, ok := models.ParseCommand(vars["command"])
	if !ok || !cmd.IsControl() {
		http.Error(w, errors.ErrNotControlCommand.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, responder := newJob(r, model, cmd, body)

	switch err := model.AddWorkerJob(vars["worker"], job); {
	case err == nil:
	case goerrors.Is(err, errors.ErrWorkerNotFound):
		http.Error(w, "Worker not found: "+vars["worker"], http.StatusNotFound)
		return
	case goerrors.Is(err, errors.ErrQueueFull):
		api.rejectFull(w, r, model, job)
		return
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	api.await(w, r, model, job, responder)
}

func newJob(r *http.Request, model *wlm.Model, cmd models.Command, body []byte) (*models.Job, chanResponder) {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[http.CanonicalHeaderKey(name)] = r.Header.Get(name)
	}

	responder := newChanResponder()
	job := models.NewJob(model.Name(), model.Version(), cmd, models.Payload{
		RequestID: r.Header.Get(RequestIDHeader),
		Headers:   headers,
		Body:      body,
	}, responder)

	return job, responder
}

func (api *InferenceAPI) rejectFull(w http.ResponseWriter, r *http.Request, model *wlm.Model, job *models.Job) {
	log.GetLogger(r.Context()).WithFields(logrus.Fields{
		"model":    model.Name(),
		"priority": job.Priority(),
		"command":  job.Command().String(),
	}).Warn("queue full, rejecting request")
	http.Error(w, "Model queue is full", http.StatusServiceUnavailable)
}

// await writes the outcome of job. It gives up with 504 once the job would
// have been dropped as stale and then timed out in the backend.
func (api *InferenceAPI) await(w http.ResponseWriter, r *http.Request, model *wlm.Model, job *models.Job, responder chanResponder) {
	logger := log.GetLogger(r.Context()).WithField("request_id", job.ID())

	w.Header().Set(RequestIDHeader, job.Payload().RequestID)

	var expired <-chan time.Time
	if limit := responseLimit(model.Settings()); limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-responder:
		for name, value := range res.headers {
			w.Header().Set(name, value)
		}
		if res.contentType != "" {
			w.Header().Set("Content-Type", res.contentType)
		}
		w.WriteHeader(res.statusCode)
		_, _ = w.Write(res.body)
	case <-expired:
		logger.Warn("no response before the deadline")
		http.Error(w, fmt.Sprintf("No response from %s in time", model.Name()), http.StatusGatewayTimeout)
	case <-r.Context().Done():
		logger.Debug("client went away before the response")
	}
}

// responseLimit is how long a handler waits for a job. Zero means no limit,
// which is the case when jobs never go stale.
func responseLimit(settings wlm.Settings) time.Duration {
	if settings.QueueTimeout <= 0 || settings.ResponseTimeout <= 0 {
		return 0
	}

	return settings.QueueTimeout + settings.MaxBatchDelay + settings.ResponseTimeout
}

// ListModels returns the state of every model.
func (api *InferenceAPI) ListModels(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(api.models))
	for name := range api.models {
		names = append(names, name)
	}
	sort.Strings(names)

	states := make([]types.ModelStatus, 0, len(names))
	for _, name := range names {
		states = append(states, api.models[name].State())
	}

	writeJSON(w, http.StatusOK, states)
}

// GetModel returns the batching configuration and queue depths of a model.
func (api *InferenceAPI) GetModel(w http.ResponseWriter, r *http.Request) {
	model, ok := api.model(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, model.State())
}

// GetDevices returns the allocator view of every accelerator.
func (api *InferenceAPI) GetDevices(w http.ResponseWriter, r *http.Request) {
	if api.allocator == nil {
		writeJSON(w, http.StatusOK, types.AllocatorStatus{Devices: []types.DeviceStatus{}})
		return
	}

	writeJSON(w, http.StatusOK, api.allocator.Snapshot())
}

// GetWorkers returns the status of every supervised worker.
func (api *InferenceAPI) GetWorkers(w http.ResponseWriter, r *http.Request) {
	workers := []types.WorkerStatus{}
	for _, lister := range api.workers {
		workers = append(workers, lister.Workers()...)
	}

	writeJSON(w, http.StatusOK, workers)
}

// HealthCheck provides health status
func (api *InferenceAPI) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "inferd",
		"models":    len(api.models),
	})
}

func (api *InferenceAPI) model(w http.ResponseWriter, r *http.Request) (*wlm.Model, bool) {
	name := mux.Vars(r)["model"]

	model, ok := api.models[name]
	if !ok {
		http.Error(w, "Model not found: "+name, http.StatusNotFound)
		return nil, false
	}

	return model, true
}

type result struct {
	body        []byte
	contentType string
	statusCode  int
	headers     map[string]string
}

// chanResponder hands the first outcome of a job to the waiting handler.
type chanResponder chan result

func newChanResponder() chanResponder {
	return make(chanResponder, 1)
}

func (c chanResponder) Respond(body []byte, contentType string, statusCode int, _ string, headers map[string]string) {
	c.deliver(result{body: body, contentType: contentType, statusCode: statusCode, headers: headers})
}

func (c chanResponder) Fail(statusCode int, message string) {
	c.deliver(result{body: []byte(message), contentType: "text/plain; charset=utf-8", statusCode: statusCode})
}

func (c chanResponder) deliver(res result) {
	select {
	case c <- res:
	default:
	}
}
