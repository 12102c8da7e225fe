package types

import (
	"context"

	"github.com/mykube-run/sluice/pkg/entity"
)

// Executor launches the external algorithm process of a task and blocks until it exits.
// Only the exit code is interpreted; a non-nil error means the process could not be run at all.
// Canceling ctx must terminate the process.
type Executor interface {
	Run(ctx context.Context, task *entity.Task, memoryMB int64) (exitCode int, err error)
}

// JobMonitor tracks task executions that run on remote infrastructure, e.g. a batch scheduler
type JobMonitor interface {
	// Halt asks remote jobs to stop gracefully, returns the ids it owns
	Halt(ctx context.Context, ids []int64) ([]int64, error)
	// Terminate kills remote jobs, returns the ids confirmed terminated
	Terminate(ctx context.Context, ids []int64) ([]int64, error)
}

// NodeAdvancer advances a pipeline instance to the node following a completed instance node
type NodeAdvancer interface {
	Advance(ctx context.Context, node *entity.InstanceNode) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, task *entity.Task, memoryMB int64) (int, error)

func (f ExecutorFunc) Run(ctx context.Context, task *entity.Task, memoryMB int64) (int, error) {
	return f(ctx, task, memoryMB)
}

// NodeAdvancerFunc adapts a function to NodeAdvancer
type NodeAdvancerFunc func(ctx context.Context, node *entity.InstanceNode) error

func (f NodeAdvancerFunc) Advance(ctx context.Context, node *entity.InstanceNode) error {
	return f(ctx, node)
}
