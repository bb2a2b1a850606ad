//go:build !wireinject
// +build !wireinject

// The injectors below mirror wire.go and are maintained by hand. Running
// `go generate ./internal/inject` replaces them with wire's output.

//go:generate go run github.com/google/wire/cmd/wire

package inject

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"inference-node/internal/config"
	"inference-node/pkg/gpu"
)

// Injectors from wire.go:

func InitializeAllocator(cfg *config.Config, registry prometheus.Registerer, logger *logrus.Entry) (*gpu.Allocator, error) {
	gpuDeviceQuerier, err := deviceQuerier(cfg)
	if err != nil {
		return nil, err
	}
	gpuAllocatorConfig, err := allocatorConfig(cfg, gpuDeviceQuerier)
	if err != nil {
		return nil, err
	}
	gpuAllocator, err := allocator(gpuAllocatorConfig, gpuDeviceQuerier, logger, registry)
	if err != nil {
		return nil, err
	}
	return gpuAllocator, nil
}

func InitializeNode(cfg *config.Config, fs afero.Fs, logger *logrus.Entry) (*Node, *prometheus.Registry, error) {
	registry := newRegistry()
	gpuDeviceQuerier, err := deviceQuerier(cfg)
	if err != nil {
		return nil, nil, err
	}
	gpuAllocatorConfig, err := allocatorConfig(cfg, gpuDeviceQuerier)
	if err != nil {
		return nil, nil, err
	}
	gpuAllocator, err := allocator(gpuAllocatorConfig, gpuDeviceQuerier, logger, registry)
	if err != nil {
		return nil, nil, err
	}
	settings, err := modelSettings(cfg, fs)
	if err != nil {
		return nil, nil, err
	}
	wlmMetricsSink, err := metricsSink(registry)
	if err != nil {
		return nil, nil, err
	}
	wlmModel, err := model(settings, wlmMetricsSink, logger)
	if err != nil {
		return nil, nil, err
	}
	wlmBackend := backend()
	wlmWorkerPool := workerPool(cfg, wlmModel, gpuAllocator, wlmBackend, logger)
	apiInferenceAPI := inferenceAPI(gpuAllocator, registry, logger, wlmModel, wlmWorkerPool)
	server := httpServer(cfg, apiInferenceAPI)
	int2 := workers(settings)
	node := &Node{
		Allocator: gpuAllocator,
		Model:     wlmModel,
		Pool:      wlmWorkerPool,
		API:       apiInferenceAPI,
		Server:    server,
		Workers:   int2,
	}
	return node, registry, nil
}
