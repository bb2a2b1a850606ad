package defaults

import "time"

const (
	// BatchSize is the number of jobs a worker receives per batch.
	BatchSize = 1

	// MaxBatchDelay is how long batch assembly waits for additional jobs.
	MaxBatchDelay = 100 * time.Millisecond

	// QueueTimeout is the age after which a queued job is considered stale.
	QueueTimeout = 30 * time.Second

	// ResponseTimeout bounds a single backend call.
	ResponseTimeout = 120 * time.Second

	// QueueSize is the capacity of every priority level of a job queue.
	QueueSize = 100

	// PriorityLevels is the number of priority levels per job queue.
	PriorityLevels = 3

	// Selector is the default cross-level selection strategy.
	Selector = "weighted"

	// HighPriorityProbability is used by the probability selector.
	HighPriorityProbability = 0.67

	// Workers is the number of worker goroutines started by serve.
	Workers = 1

	// WorkerWaitTime bounds polling of a worker control queue.
	WorkerWaitTime = 50 * time.Millisecond

	// WorkerRestartBackoff is the pause before a failed worker is restarted.
	WorkerRestartBackoff = time.Second

	// MaxFailedInferenceRequests ends a worker run after this many consecutive backend failures.
	MaxFailedInferenceRequests = 5

	// MinFreeMemory is the minimum free accelerator memory for a device to be eligible.
	MinFreeMemory = "100MiB"

	// MaxFailureShare excludes devices implicated in at least this share of recent failures.
	MaxFailureShare = 0.5

	// FailureWindow is the number of recent worker failures remembered by the allocator.
	FailureWindow = 32

	// NoDevice disables the manual device override and marks host execution.
	NoDevice = -1

	// HTTPAPIEndpoint is the default address for the status and metrics server.
	HTTPAPIEndpoint = "0.0.0.0:8082"

	// ConfigurationDir is where the optional config.yaml is looked up.
	ConfigurationDir = "$HOME/.config/inferd/"

	// DataFilePerm is the permissions to use for data files.
	DataFilePerm = 0o644

	// DataDirPerm is the permissions to use for data folders.
	DataDirPerm = 0o755
)
