package config

import (
	"time"

	"inference-node/pkg/log"
)

// Config holds the configuration of the inference node.
type Config struct {
	// Logging contains the logging related config.
	Logging log.Config
	// HTTPAPIEndpoint is the endpoint of the inference and status API.
	HTTPAPIEndpoint string

	// ModelConfigPath is a YAML model config. When set it replaces the model flags.
	ModelConfigPath string
	// ModelName is the name of the served model.
	ModelName string
	// ModelVersion is the version of the served model.
	ModelVersion string
	// BatchSize is the maximum number of jobs in a batch.
	BatchSize int
	// MaxBatchDelay is how long a batch waits to fill up.
	MaxBatchDelay time.Duration
	// QueueTimeout is the age after which a queued job is dropped.
	QueueTimeout time.Duration
	// ResponseTimeout bounds a single backend call.
	ResponseTimeout time.Duration
	// Workers is the number of workers to run.
	Workers int
	// QueueSize is the capacity of every priority level.
	QueueSize int
	// PriorityLevels is the number of priority levels.
	PriorityLevels int
	// Selector is the cross-level selection strategy.
	Selector string
	// HighPriorityProb is the probability used by the probability selector.
	HighPriorityProb float64
	// RestartBackoff is the pause before a failed worker is restarted.
	RestartBackoff time.Duration

	// DeviceCount is the number of accelerators. Negative means ask NVML.
	DeviceCount int
	// MinFreeMemory is the free memory a device needs to be eligible, e.g. 100MiB.
	MinFreeMemory string
	// MaxFailureShare excludes devices with at least this share of recent failures.
	MaxFailureShare float64
	// OverrideDevice pins every worker to one device when not negative.
	OverrideDevice int
	// FailureWindow is how many recent failures are remembered, 0 keeps lifetime counters.
	FailureWindow int
	// FakeFreeMemory replaces device queries with fixed readings, one per device.
	FakeFreeMemory []string
	// UseNvidiaSMI queries devices with nvidia-smi instead of NVML.
	UseNvidiaSMI bool
}
