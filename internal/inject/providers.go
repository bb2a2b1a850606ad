package inject

import (
	"fmt"
	"net/http"

	units "github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"inference-node/internal/config"
	"inference-node/pkg/api"
	"inference-node/pkg/gpu"
	"inference-node/pkg/metrics"
	"inference-node/pkg/wlm"
)

// Node is everything the serve command runs.
type Node struct {
	Allocator *gpu.Allocator
	Model     *wlm.Model
	Pool      *wlm.WorkerPool
	API       *api.InferenceAPI
	Server    *http.Server
	Workers   int
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return registry
}

func deviceQuerier(cfg *config.Config) (gpu.DeviceQuerier, error) {
	switch {
	case len(cfg.FakeFreeMemory) > 0:
		free := make([]int64, 0, len(cfg.FakeFreeMemory))
		for _, size := range cfg.FakeFreeMemory {
			n, err := units.RAMInBytes(size)
			if err != nil {
				return nil, fmt.Errorf("parsing fake free memory %q: %w", size, err)
			}
			free = append(free, n)
		}

		return gpu.NewStaticQuerier(free...), nil
	case cfg.DeviceCount == 0:
		return gpu.NewStaticQuerier(), nil
	case cfg.UseNvidiaSMI:
		return gpu.SMIQuerier{}, nil
	default:
		return gpu.NewNVMLQuerier()
	}
}

func allocatorConfig(cfg *config.Config, querier gpu.DeviceQuerier) (gpu.AllocatorConfig, error) {
	minFree, err := units.RAMInBytes(cfg.MinFreeMemory)
	if err != nil {
		return gpu.AllocatorConfig{}, fmt.Errorf("parsing min free memory %q: %w", cfg.MinFreeMemory, err)
	}

	deviceCount := cfg.DeviceCount
	switch q := querier.(type) {
	case *gpu.StaticQuerier:
		if deviceCount < 0 {
			deviceCount = len(cfg.FakeFreeMemory)
		}
	case *gpu.NVMLQuerier:
		if deviceCount < 0 {
			if deviceCount, err = q.DeviceCount(); err != nil {
				return gpu.AllocatorConfig{}, err
			}
		}
	}

	if deviceCount < 0 {
		return gpu.AllocatorConfig{}, fmt.Errorf("device count is required with nvidia-smi")
	}

	return gpu.AllocatorConfig{
		DeviceCount:     deviceCount,
		MinFreeMemory:   minFree,
		MaxFailureShare: cfg.MaxFailureShare,
		OverrideDevice:  cfg.OverrideDevice,
		FailureWindow:   cfg.FailureWindow,
	}, nil
}

func allocator(cfg gpu.AllocatorConfig, querier gpu.DeviceQuerier, logger *logrus.Entry, registry prometheus.Registerer) (*gpu.Allocator, error) {
	return gpu.NewAllocator(cfg, querier, logger, gpu.WithRegisterer(registry))
}

func modelSettings(cfg *config.Config, fs afero.Fs) (wlm.Settings, error) {
	if cfg.ModelConfigPath != "" {
		modelConfig, err := wlm.LoadModelConfig(fs, cfg.ModelConfigPath)
		if err != nil {
			return wlm.Settings{}, err
		}

		return modelConfig.ToSettings()
	}

	modelConfig := &wlm.ModelConfig{
		Name:             cfg.ModelName,
		Version:          cfg.ModelVersion,
		BatchSize:        cfg.BatchSize,
		MaxBatchDelay:    cfg.MaxBatchDelay.String(),
		QueueTimeout:     cfg.QueueTimeout.String(),
		ResponseTimeout:  cfg.ResponseTimeout.String(),
		MinWorkers:       cfg.Workers,
		MaxWorkers:       cfg.Workers,
		QueueSize:        cfg.QueueSize,
		PriorityLevels:   cfg.PriorityLevels,
		Selector:         cfg.Selector,
		HighPriorityProb: cfg.HighPriorityProb,
	}

	return modelConfig.ToSettings()
}

func metricsSink(registry prometheus.Registerer) (wlm.MetricsSink, error) {
	return metrics.NewPrometheusSink(registry)
}

func model(settings wlm.Settings, sink wlm.MetricsSink, logger *logrus.Entry) (*wlm.Model, error) {
	return wlm.NewModel(settings, logger, wlm.WithMetricsSink(sink))
}

func backend() wlm.Backend {
	return wlm.EchoBackend{}
}

func workerPool(cfg *config.Config, m *wlm.Model, assigner wlm.DeviceAssigner, b wlm.Backend, logger *logrus.Entry) *wlm.WorkerPool {
	return wlm.NewWorkerPool(m, assigner, b, logger, wlm.WithRestartBackoff(cfg.RestartBackoff))
}

func inferenceAPI(a *gpu.Allocator, gatherer prometheus.Gatherer, logger *logrus.Entry, m *wlm.Model, pool *wlm.WorkerPool) *api.InferenceAPI {
	return api.NewInferenceAPI(a, gatherer, logger, m).WithWorkers(pool)
}

func httpServer(cfg *config.Config, inference *api.InferenceAPI) *http.Server {
	return api.NewServer(cfg.HTTPAPIEndpoint, inference)
}

func workers(settings wlm.Settings) int {
	return settings.MinWorkers
}
