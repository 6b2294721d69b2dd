package gpu

import "errors"

var (
	// ErrResourceGrowth means a backing allocation failed. Fatal for the frame.
	ErrResourceGrowth = errors.New("gpu: resource growth failed")
	// ErrTaskExecution is carried by the future of a queued task that failed or panicked.
	ErrTaskExecution = errors.New("gpu: task execution failed")
	// ErrCapacityMisuse reports a write shape the buffer cannot honor.
	ErrCapacityMisuse = errors.New("gpu: unsupported write")
	// ErrTimeout is returned by SubmitAndWait when the deadline passes first.
	ErrTimeout = errors.New("gpu: timed out waiting for task")
	// ErrExecutorClosed rejects submissions after Close.
	ErrExecutorClosed = errors.New("gpu: executor closed")
)
