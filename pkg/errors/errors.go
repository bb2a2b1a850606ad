package errors

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPollArgs    = errors.New("a batch container and worker id are required")
	ErrBatchNotEmpty      = errors.New("the batch to fill must be empty")
	ErrQueueFull          = errors.New("job queue is full")
	ErrWorkerNotFound     = errors.New("worker has no job queue")
	ErrNotControlCommand  = errors.New("only control commands can be sent to a worker")
	ErrModelNameRequired  = errors.New("model name is required")
	ErrInvalidBatchSize   = errors.New("batch size must be at least 1")
	ErrInvalidQueueSize   = errors.New("queue size must be at least 1")
	ErrInvalidLevels      = errors.New("at least one priority level is required")
	ErrInvalidProbability = errors.New("high priority probability must be between 0 and 1")
	ErrInvalidShare       = errors.New("maximum failure share must be between 0 and 1")
	ErrInvalidDeviceCount = errors.New("device count must not be negative")
	ErrInvalidMinFree     = errors.New("minimum free memory must not be negative")
	ErrNoEligibleDevice   = errors.New("no eligible accelerator")
	ErrBackendRequired    = errors.New("an inference backend is required")
)

// InvalidSelectorError is returned when a selection strategy name is not known.
type InvalidSelectorError struct {
	Name string
}

// Error returns the error message.
func (e InvalidSelectorError) Error() string {
	return fmt.Sprintf("unknown selection strategy: %s", e.Name)
}

type deviceQueryError struct {
	device int
	reason string
}

// Error returns the error message.
func (e deviceQueryError) Error() string {
	return fmt.Sprintf("querying free memory of device %d: %s", e.device, e.reason)
}

func NewDeviceQueryError(device int, reason string) error {
	return deviceQueryError{
		device: device,
		reason: reason,
	}
}

// IsDeviceQueryError reports whether err came from a failed device query.
func IsDeviceQueryError(err error) bool {
	var target deviceQueryError

	return errors.As(err, &target)
}
