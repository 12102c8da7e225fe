package enum

import "fmt"

var (
	ErrTaskNotFound         = fmt.Errorf("task not found")
	ErrInstanceNodeNotFound = fmt.Errorf("pipeline instance node not found")
	ErrInvalidWorkerCount   = fmt.Errorf("worker count must be greater than 0")
	ErrResourcesUnset       = fmt.Errorf("default worker resources are not set")
	ErrBusStopped           = fmt.Errorf("message bus stopped")
	ErrQueueClosed          = fmt.Errorf("task queue closed")
	ErrRequestTimeout       = fmt.Errorf("timed out waiting for reply")
	ErrUnknownMessageKind   = fmt.Errorf("unknown message kind")
)
