package models

// WorkerState is the lifecycle state of a worker.
type WorkerState string

const (
	// WorkerStarting is a worker waiting for its device assignment.
	WorkerStarting WorkerState = "starting"
	// WorkerReady is a worker serving batches.
	WorkerReady WorkerState = "ready"
	// WorkerRestarting is a failed worker waiting out its backoff.
	WorkerRestarting WorkerState = "restarting"
	// WorkerRetired is a worker that stopped for good.
	WorkerRetired WorkerState = "retired"
)
