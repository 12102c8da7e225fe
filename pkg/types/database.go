package types

import (
	"context"

	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
)

// DB is the persisted store for task, instance node and worker resources records.
// Every method runs in its own short-lived transaction where the backend supports it.
type DB interface {
	GetTask(ctx context.Context, opt GetTaskOption) (*entity.Task, error)
	FindTasks(ctx context.Context, opt FindTasksOption) (entity.Tasks, error)
	CreateTask(ctx context.Context, t entity.Task) error
	// UpdateTaskState returns the number of tasks updated
	UpdateTaskState(ctx context.Context, opt UpdateTaskStateOption) (int64, error)

	CreateInstanceNode(ctx context.Context, n entity.InstanceNode) error
	GetInstanceNode(ctx context.Context, opt GetInstanceNodeOption) (*entity.InstanceNode, error)
	SetTransitionComplete(ctx context.Context, opt SetTransitionCompleteOption) error
	CountTasks(ctx context.Context, opt CountTasksOption) (entity.TaskCounts, error)
	RecomputeCounts(ctx context.Context, opt RecomputeCountsOption) error

	GetWorkerResources(ctx context.Context, opt GetWorkerResourcesOption) (*entity.WorkerResources, error)
	SaveWorkerResources(ctx context.Context, r entity.WorkerResources) error

	Close() error
}

// GetTaskOption specifies the options for getting task by id
type GetTaskOption struct {
	Id int64
}

// FindTasksOption specifies the options for finding tasks, empty fields are ignored
type FindTasksOption struct {
	Ids            []int64
	States         []enum.TaskState
	InstanceNodeId *int64
}

// UpdateTaskStateOption specifies the options for updating tasks' state
type UpdateTaskStateOption struct {
	Ids     []int64
	State   enum.TaskState
	Outcome enum.Outcome
	Worker  string
	// From restricts the update to tasks currently in one of the given states, empty means any state
	From []enum.TaskState
}

// GetInstanceNodeOption specifies the options for getting an instance node by id
type GetInstanceNodeOption struct {
	Id int64
}

// SetTransitionCompleteOption specifies the options for updating the transition flag of an instance node
type SetTransitionCompleteOption struct {
	InstanceNodeId int64
	Complete       bool
}

// CountTasksOption specifies the options for counting tasks of an instance node
type CountTasksOption struct {
	InstanceNodeId int64
}

// RecomputeCountsOption specifies the instance nodes whose task counts should be recomputed
type RecomputeCountsOption struct {
	InstanceNodeIds []int64
}

// GetWorkerResourcesOption specifies the options for getting worker resources of a definition node
type GetWorkerResourcesOption struct {
	DefinitionNodeId int64
}
