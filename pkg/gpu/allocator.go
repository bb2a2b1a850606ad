package gpu

import (
	"context"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"

	"inference-node/pkg/defaults"
	"inference-node/pkg/errors"
	"inference-node/pkg/types"
)

// HostDevice is returned when the worker should run without an accelerator.
const HostDevice = -1

// AllocatorConfig is the allocator's configuration surface.
type AllocatorConfig struct {
	// DeviceCount is the number of accelerators on the host.
	DeviceCount int
	// MinFreeMemory is the free memory, in bytes, a device must exceed to be eligible.
	MinFreeMemory int64
	// MaxFailureShare excludes devices with at least this share of recorded failures.
	MaxFailureShare float64
	// OverrideDevice, when not negative, is returned for every assignment.
	OverrideDevice int
	// FailureWindow is how many recent failures are remembered. Zero keeps lifetime counters.
	FailureWindow int
}

// DefaultAllocatorConfig returns a config for deviceCount devices with default thresholds.
func DefaultAllocatorConfig(deviceCount int) AllocatorConfig {
	minFree, _ := units.RAMInBytes(defaults.MinFreeMemory)

	return AllocatorConfig{
		DeviceCount:     deviceCount,
		MinFreeMemory:   minFree,
		MaxFailureShare: defaults.MaxFailureShare,
		OverrideDevice:  defaults.NoDevice,
		FailureWindow:   defaults.FailureWindow,
	}
}

// Validate checks the config is usable.
func (c AllocatorConfig) Validate() error {
	if c.DeviceCount < 0 {
		return errors.ErrInvalidDeviceCount
	}

	// a failed query reads as -1 and must never pass the threshold
	if c.MinFreeMemory < 0 {
		return errors.ErrInvalidMinFree
	}

	if c.MaxFailureShare <= 0 || c.MaxFailureShare > 1 {
		return errors.ErrInvalidShare
	}

	return nil
}

type AllocatorOption func(*Allocator)

// WithAllocatorRand sets the random source used to sample devices.
func WithAllocatorRand(rnd *rand.Rand) AllocatorOption {
	return func(a *Allocator) {
		a.rnd = rnd
	}
}

// WithRegisterer registers the allocator metrics with reg.
func WithRegisterer(reg prometheus.Registerer) AllocatorOption {
	return func(a *Allocator) {
		a.registerer = reg
	}
}

// Allocator assigns accelerators to workers. It weighs devices by free memory
// and leaves out devices implicated in a large share of recent worker failures.
// It is created once per process and shared by every worker supervisor.
type Allocator struct {
	mu         sync.Mutex
	cfg        AllocatorConfig
	querier    DeviceQuerier
	freeMemory []int64
	failures   failureHistory
	workers    map[string]int
	rnd        *rand.Rand
	logger     *logrus.Entry
	registerer prometheus.Registerer

	freeMemoryGauge *prometheus.GaugeVec
	assignments     *prometheus.CounterVec
	deviceFailures  *prometheus.CounterVec
	hostFallbacks   prometheus.Counter
}

// NewAllocator creates an allocator. The querier is only used when DeviceCount > 0.
func NewAllocator(cfg AllocatorConfig, querier DeviceQuerier, logger *logrus.Entry, opts ...AllocatorOption) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	a := &Allocator{
		cfg:        cfg,
		querier:    querier,
		freeMemory: make([]int64, cfg.DeviceCount),
		workers:    make(map[string]int),
		logger:     logger.WithField("component", "allocator"),
	}

	if cfg.FailureWindow > 0 {
		a.failures = newFailureWindow(cfg.FailureWindow)
	} else {
		a.failures = newFailureCounters(cfg.DeviceCount)
	}

	for i := range a.freeMemory {
		a.freeMemory[i] = -1
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.rnd == nil {
		a.rnd = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	}

	a.freeMemoryGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inferd_gpu_free_memory_bytes",
		Help: "Free accelerator memory at the last allocation",
	}, []string{"device"})
	a.assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inferd_gpu_assignments_total",
		Help: "Total number of workers assigned to each accelerator",
	}, []string{"device"})
	a.deviceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inferd_gpu_worker_failures_total",
		Help: "Total number of worker failures attributed to each accelerator",
	}, []string{"device"})
	a.hostFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferd_gpu_host_fallbacks_total",
		Help: "Total number of assignments that fell back to host execution",
	})

	if a.registerer != nil {
		for _, c := range []prometheus.Collector{a.freeMemoryGauge, a.assignments, a.deviceFailures, a.hostFallbacks} {
			if err := a.registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return a, nil
}

// Assign returns the device workerID should use, or HostDevice. A worker that
// asks again after being given a device is assumed to have failed on it.
func (a *Allocator) Assign(ctx context.Context, workerID string) int {
	if a.cfg.DeviceCount == 0 {
		return HostDevice
	}

	if a.cfg.OverrideDevice >= 0 {
		return a.cfg.OverrideDevice
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	logger := a.logger.WithField("worker", workerID)

	if previous, ok := a.workers[workerID]; ok {
		a.failures.record(previous)
		a.deviceFailures.WithLabelValues(strconv.Itoa(previous)).Inc()
		logger.WithField("device", previous).Warn("worker asked for a new device, recording failure")
	}

	a.refreshFreeMemory(ctx)

	eligible := a.eligibleDevices()

	var device int
	switch len(eligible) {
	case 0:
		delete(a.workers, workerID)
		a.hostFallbacks.Inc()
		logger.Warn(errors.ErrNoEligibleDevice.Error())

		return HostDevice
	case 1:
		device = eligible[0]
	default:
		device = a.sample(eligible)
	}

	a.workers[workerID] = device
	a.assignments.WithLabelValues(strconv.Itoa(device)).Inc()

	logger.WithFields(logrus.Fields{
		"device":      device,
		"free_memory": units.BytesSize(float64(a.freeMemory[device])),
		"failures":    a.failures.count(device),
	}).Info("assigning device")

	return device
}

// Release forgets the device of a worker that was retired on purpose, so a
// later start of the same worker is not counted as a failure.
func (a *Allocator) Release(workerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.workers, workerID)
}

// Snapshot returns the readings and failure history of every device.
func (a *Allocator) Snapshot() types.AllocatorStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	status := types.AllocatorStatus{
		DeviceCount:     a.cfg.DeviceCount,
		OverrideDevice:  a.cfg.OverrideDevice,
		MinFreeMemory:   a.cfg.MinFreeMemory,
		MaxFailureShare: a.cfg.MaxFailureShare,
		FailureHistory:  a.failures.total(),
		Devices:         make([]types.DeviceStatus, a.cfg.DeviceCount),
	}

	for i := range status.Devices {
		status.Devices[i] = types.DeviceStatus{
			Index:        i,
			FreeMemory:   a.freeMemory[i],
			FreeMemoryHR: units.BytesSize(float64(a.freeMemory[i])),
			Failures:     a.failures.count(i),
			FailureShare: a.failureShare(i),
			Eligible:     a.isEligible(i),
			Workers:      []string{},
		}
	}

	for worker, device := range a.workers {
		status.Devices[device].Workers = append(status.Devices[device].Workers, worker)
	}

	for i := range status.Devices {
		sort.Strings(status.Devices[i].Workers)
	}

	return status
}

// Close releases the querier when it holds resources.
func (a *Allocator) Close() error {
	if closer, ok := a.querier.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}

func (a *Allocator) refreshFreeMemory(ctx context.Context) {
	for i := range a.freeMemory {
		free, err := a.querier.FreeMemory(ctx, i)
		if err != nil {
			a.logger.WithField("device", i).WithError(err).Warn("device query failed")
			free = -1
		}

		a.freeMemory[i] = free
		a.freeMemoryGauge.WithLabelValues(strconv.Itoa(i)).Set(float64(free))
	}
}

func (a *Allocator) failureShare(device int) float64 {
	total := a.failures.total()
	if total == 0 {
		return 0
	}

	return float64(a.failures.count(device)) / float64(total)
}

func (a *Allocator) isEligible(device int) bool {
	if a.freeMemory[device] <= a.cfg.MinFreeMemory {
		return false
	}

	return a.failures.total() < 2 || a.failureShare(device) < a.cfg.MaxFailureShare
}

func (a *Allocator) eligibleDevices() []int {
	var eligible []int

	for i := range a.freeMemory {
		if a.isEligible(i) {
			eligible = append(eligible, i)
		}
	}

	return eligible
}

// sample draws a device with probability proportional to its free memory.
func (a *Allocator) sample(eligible []int) int {
	var sum float64
	for _, device := range eligible {
		sum += float64(a.freeMemory[device])
	}

	cumulative := make([]float64, len(eligible))

	var acc float64
	for i, device := range eligible {
		acc += float64(a.freeMemory[device]) / sum
		cumulative[i] = acc
	}

	draw := a.rnd.Float64()
	i := sort.SearchFloat64s(cumulative, draw)
	if i >= len(eligible) {
		i = len(eligible) - 1
	}

	return eligible[i]
}
