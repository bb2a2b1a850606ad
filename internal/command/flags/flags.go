package flags

import (
	"fmt"

	"github.com/spf13/cobra"

	"inference-node/internal/config"
	"inference-node/pkg/defaults"
)

const (
	httpEndpointFlag     = "http-endpoint"
	modelConfigFlag      = "model-config"
	modelNameFlag        = "model-name"
	modelVersionFlag     = "model-version"
	batchSizeFlag        = "batch-size"
	maxBatchDelayFlag    = "max-batch-delay"
	queueTimeoutFlag     = "queue-timeout"
	responseTimeoutFlag  = "response-timeout"
	workersFlag          = "workers"
	queueSizeFlag        = "queue-size"
	priorityLevelsFlag   = "priority-levels"
	selectorFlag         = "selector"
	highPriorityProbFlag = "high-priority-prob"
	restartBackoffFlag   = "restart-backoff"
	deviceCountFlag      = "device-count"
	minFreeMemoryFlag    = "min-free-memory"
	maxFailureShareFlag  = "max-failure-share"
	overrideDeviceFlag   = "override-device"
	failureWindowFlag    = "failure-window"
	fakeFreeMemoryFlag   = "fake-free-memory"
	nvidiaSMIFlag        = "nvidia-smi"
)

// AddHTTPServerFlagsToCommand will add HTTP server flags to the supplied command.
func AddHTTPServerFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.HTTPAPIEndpoint,
		httpEndpointFlag,
		defaults.HTTPAPIEndpoint,
		"The endpoint for the inference and status API to listen on.")
}

// AddModelFlagsToCommand will add the model batching flags to the supplied command.
func AddModelFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.ModelConfigPath,
		modelConfigFlag,
		"",
		"Path to a YAML model config. Overrides the other model flags.")

	cmd.Flags().StringVar(&cfg.ModelName, modelNameFlag, "echo", "The name of the served model.")
	cmd.Flags().StringVar(&cfg.ModelVersion, modelVersionFlag, "1.0", "The version of the served model.")
	cmd.Flags().IntVar(&cfg.BatchSize, batchSizeFlag, defaults.BatchSize, "The maximum number of jobs in a batch.")

	cmd.Flags().DurationVar(&cfg.MaxBatchDelay,
		maxBatchDelayFlag,
		defaults.MaxBatchDelay,
		"How long to wait for a batch to fill up.")

	cmd.Flags().DurationVar(&cfg.QueueTimeout,
		queueTimeoutFlag,
		defaults.QueueTimeout,
		"Jobs queued for at least this long are dropped.")

	cmd.Flags().DurationVar(&cfg.ResponseTimeout,
		responseTimeoutFlag,
		defaults.ResponseTimeout,
		"The deadline of a single backend call.")

	cmd.Flags().IntVar(&cfg.Workers, workersFlag, defaults.Workers, "The number of workers to run.")
	cmd.Flags().IntVar(&cfg.QueueSize, queueSizeFlag, defaults.QueueSize, "The capacity of every priority level.")
	cmd.Flags().IntVar(&cfg.PriorityLevels, priorityLevelsFlag, defaults.PriorityLevels, "The number of priority levels.")

	cmd.Flags().StringVar(&cfg.Selector,
		selectorFlag,
		defaults.Selector,
		"The cross-level selection strategy: weighted, probability or strict.")

	cmd.Flags().Float64Var(&cfg.HighPriorityProb,
		highPriorityProbFlag,
		defaults.HighPriorityProbability,
		"The probability of serving the high priority level first with the probability selector.")

	cmd.Flags().DurationVar(&cfg.RestartBackoff,
		restartBackoffFlag,
		defaults.WorkerRestartBackoff,
		"The pause before a failed worker is restarted.")
}

// AddAllocatorFlagsToCommand will add the accelerator allocation flags to the supplied command.
func AddAllocatorFlagsToCommand(cmd *cobra.Command, cfg *config.Config) error {
	cmd.Flags().IntVar(&cfg.DeviceCount,
		deviceCountFlag,
		-1,
		"The number of accelerators. A negative value asks NVML.")

	cmd.Flags().StringVar(&cfg.MinFreeMemory,
		minFreeMemoryFlag,
		defaults.MinFreeMemory,
		"The free memory a device needs to be eligible.")

	cmd.Flags().Float64Var(&cfg.MaxFailureShare,
		maxFailureShareFlag,
		defaults.MaxFailureShare,
		"Devices with at least this share of recent worker failures are not assigned.")

	cmd.Flags().IntVar(&cfg.OverrideDevice,
		overrideDeviceFlag,
		defaults.NoDevice,
		"Assign every worker to this device.")

	cmd.Flags().IntVar(&cfg.FailureWindow,
		failureWindowFlag,
		defaults.FailureWindow,
		"The number of recent worker failures remembered. 0 keeps lifetime counters.")

	cmd.Flags().StringSliceVar(&cfg.FakeFreeMemory,
		fakeFreeMemoryFlag,
		nil,
		"Use fixed free memory readings instead of querying devices, e.g. 8GiB,500MiB.")

	cmd.Flags().BoolVar(&cfg.UseNvidiaSMI,
		nvidiaSMIFlag,
		false,
		"Query free memory with nvidia-smi instead of NVML.")

	if err := cmd.Flags().MarkHidden(fakeFreeMemoryFlag); err != nil {
		return fmt.Errorf("setting %s as hidden: %w", fakeFreeMemoryFlag, err)
	}

	return nil
}
