package types

// DeviceStatus is a point-in-time view of one accelerator as seen by the allocator.
type DeviceStatus struct {
	Index        int      `json:"index" yaml:"index"`
	FreeMemory   int64    `json:"free_memory" yaml:"free_memory"` // bytes, -1 when the last query failed
	FreeMemoryHR string   `json:"free_memory_hr" yaml:"free_memory_hr"`
	Failures     int      `json:"failures" yaml:"failures"`
	FailureShare float64  `json:"failure_share" yaml:"failure_share"`
	Eligible     bool     `json:"eligible" yaml:"eligible"`
	Workers      []string `json:"workers" yaml:"workers"`
}

// AllocatorStatus describes the allocator configuration and its devices.
type AllocatorStatus struct {
	DeviceCount     int            `json:"device_count" yaml:"device_count"`
	OverrideDevice  int            `json:"override_device" yaml:"override_device"`
	MinFreeMemory   int64          `json:"min_free_memory" yaml:"min_free_memory"`
	MaxFailureShare float64        `json:"max_failure_share" yaml:"max_failure_share"`
	FailureHistory  int            `json:"failure_history" yaml:"failure_history"`
	Devices         []DeviceStatus `json:"devices" yaml:"devices"`
}

// QueueStatus reports the depth of one job queue per priority level.
type QueueStatus struct {
	Name   string `json:"name" yaml:"name"`
	Total  int    `json:"total" yaml:"total"`
	Levels []int  `json:"levels" yaml:"levels"`
}

// ModelStatus is the batching configuration and queue state of a model.
type ModelStatus struct {
	Name            string        `json:"name" yaml:"name"`
	Version         string        `json:"version" yaml:"version"`
	BatchSize       int           `json:"batch_size" yaml:"batch_size"`
	MaxBatchDelayMs int64         `json:"max_batch_delay_ms" yaml:"max_batch_delay_ms"`
	QueueTimeoutMs  int64         `json:"queue_timeout_ms" yaml:"queue_timeout_ms"`
	ResponseTimeout int64         `json:"response_timeout_ms" yaml:"response_timeout_ms"`
	MinWorkers      int           `json:"min_workers" yaml:"min_workers"`
	MaxWorkers      int           `json:"max_workers" yaml:"max_workers"`
	FailedInfReqs   int           `json:"failed_inference_requests" yaml:"failed_inference_requests"`
	Queues          []QueueStatus `json:"queues" yaml:"queues"`
}

// WorkerStatus describes a supervised worker.
type WorkerStatus struct {
	ID       string `json:"id" yaml:"id"`
	Model    string `json:"model" yaml:"model"`
	Device   int    `json:"device" yaml:"device"`
	State    string `json:"state" yaml:"state"`
	Restarts int    `json:"restarts" yaml:"restarts"`
}
