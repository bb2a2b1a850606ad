//go:build wireinject
// +build wireinject

package inject

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"inference-node/internal/config"
	"inference-node/pkg/gpu"
	"inference-node/pkg/wlm"
)

var allocatorSet = wire.NewSet(
	deviceQuerier,
	allocatorConfig,
	allocator,
)

func InitializeAllocator(cfg *config.Config, registry prometheus.Registerer, logger *logrus.Entry) (*gpu.Allocator, error) {
	wire.Build(allocatorSet)

	return nil, nil
}

func InitializeNode(cfg *config.Config, fs afero.Fs, logger *logrus.Entry) (*Node, *prometheus.Registry, error) {
	wire.Build(
		newRegistry,
		wire.Bind(new(prometheus.Registerer), new(*prometheus.Registry)),
		wire.Bind(new(prometheus.Gatherer), new(*prometheus.Registry)),
		allocatorSet,
		wire.Bind(new(wlm.DeviceAssigner), new(*gpu.Allocator)),
		modelSettings,
		metricsSink,
		model,
		backend,
		workerPool,
		inferenceAPI,
		httpServer,
		workers,
		wire.Struct(new(Node), "*"),
	)

	return nil, nil, nil
}
