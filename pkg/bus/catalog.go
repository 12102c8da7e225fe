package bus

import (
	"time"

	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
)

// TaskRequest asks the supervisor to run one task. It is ordered by the task queue and
// re-queued verbatim when a handler finds it belongs to another definition node.
type TaskRequest struct {
	Header
	InstanceId       int64        `json:"instanceId"`
	InstanceNodeId   int64        `json:"instanceNodeId"`
	DefinitionNodeId int64        `json:"definitionNodeId"`
	TaskId           int64        `json:"taskId"`
	Priority         int32        `json:"priority"`
	TransitionOnly   bool         `json:"transitionOnly"`
	RunMode          enum.RunMode `json:"runMode"`
}

func (*TaskRequest) Kind() enum.MessageKind { return enum.KindTaskRequest }

// Less is the total order of task requests: definition node id ascending, then priority
// descending, then task id ascending.
func (r *TaskRequest) Less(o *TaskRequest) bool {
	if r.DefinitionNodeId != o.DefinitionNodeId {
		return r.DefinitionNodeId < o.DefinitionNodeId
	}
	if r.Priority != o.Priority {
		return r.Priority > o.Priority
	}
	return r.TaskId < o.TaskId
}

type KillTasksRequest struct {
	Header
	Requestor
	TaskIds []int64 `json:"taskIds"`
}

func (*KillTasksRequest) Kind() enum.MessageKind { return enum.KindKillTasksRequest }

type KillTasksResponse struct {
	Header
	Requestor
	Killed []int64 `json:"killed"`
}

func (*KillTasksResponse) Kind() enum.MessageKind { return enum.KindKillTasksResponse }

// TaskKilled acknowledges that a queued task was removed before being dispatched
type TaskKilled struct {
	Header
	TaskId int64 `json:"taskId"`
}

func (*TaskKilled) Kind() enum.MessageKind { return enum.KindTaskKilled }

type HaltTasksRequest struct {
	Header
	Requestor
	TaskIds []int64 `json:"taskIds"`
}

func (*HaltTasksRequest) Kind() enum.MessageKind { return enum.KindHaltTasksRequest }

type HaltTasksResponse struct {
	Header
	Requestor
	Killed    []int64 `json:"killed"`    // Removed from the queue
	Signaled  []int64 `json:"signaled"`  // Running in a local handler, TaskHalted follows
	Forwarded []int64 `json:"forwarded"` // Owned by the remote job monitor
	Unknown   []int64 `json:"unknown"`
}

func (*HaltTasksResponse) Kind() enum.MessageKind { return enum.KindHaltTasksResponse }

// TaskHalted acknowledges that a running task stopped after a halt request
type TaskHalted struct {
	Header
	TaskId int64 `json:"taskId"`
}

func (*TaskHalted) Kind() enum.MessageKind { return enum.KindTaskHalted }

type DeleteTasksRequest struct {
	Header
	Requestor
	TaskIds []int64 `json:"taskIds"`
}

func (*DeleteTasksRequest) Kind() enum.MessageKind { return enum.KindDeleteTasksRequest }

type DeleteTasksResponse struct {
	Header
	Requestor
	Resolved   []int64 `json:"resolved"`
	Unresolved []int64 `json:"unresolved"`
	// AllLocal is false when some ids may still execute on remote infrastructure
	AllLocal bool `json:"allLocal"`
}

func (*DeleteTasksResponse) Kind() enum.MessageKind { return enum.KindDeleteTasksResponse }

type RestartTasksRequest struct {
	Header
	Requestor
	TaskIds []int64      `json:"taskIds"`
	RunMode enum.RunMode `json:"runMode"`
}

func (*RestartTasksRequest) Kind() enum.MessageKind { return enum.KindRestartTasksRequest }

type RestartTasksResponse struct {
	Header
	Requestor
	Restarted []int64 `json:"restarted"`
	Skipped   []int64 `json:"skipped"`
}

func (*RestartTasksResponse) Kind() enum.MessageKind { return enum.KindRestartTasksResponse }

type TaskStarted struct {
	Header
	TaskId         int64 `json:"taskId"`
	InstanceNodeId int64 `json:"instanceNodeId"`
}

func (*TaskStarted) Kind() enum.MessageKind { return enum.KindTaskStarted }

type TaskFinished struct {
	Header
	TaskId         int64        `json:"taskId"`
	InstanceNodeId int64        `json:"instanceNodeId"`
	Outcome        enum.Outcome `json:"outcome"`
	ExitCode       int          `json:"exitCode"`
}

func (*TaskFinished) Kind() enum.MessageKind { return enum.KindTaskFinished }

// TaskAlert is an operator alert raised for a task
type TaskAlert struct {
	Header
	TaskId         int64  `json:"taskId"`
	InstanceNodeId int64  `json:"instanceNodeId"`
	Message        string `json:"message"`
}

func (*TaskAlert) Kind() enum.MessageKind { return enum.KindTaskAlert }

// WorkerResourcesRequest asks for the resolved resources of a definition node, 0 means the defaults
type WorkerResourcesRequest struct {
	Header
	Requestor
	DefinitionNodeId int64 `json:"definitionNodeId"`
}

func (*WorkerResourcesRequest) Kind() enum.MessageKind { return enum.KindWorkerResourcesRequest }

type WorkerResourcesResponse struct {
	Header
	Requestor
	Resources entity.ResolvedResources `json:"resources"`
	Error     string                   `json:"error,omitempty"`
}

func (*WorkerResourcesResponse) Kind() enum.MessageKind { return enum.KindWorkerResourcesReply }

// WorkerResourcesUpdate is published every time the worker pool is sized for a definition node
type WorkerResourcesUpdate struct {
	Header
	Resources entity.ResolvedResources `json:"resources"`
}

func (*WorkerResourcesUpdate) Kind() enum.MessageKind { return enum.KindWorkerResourcesUpdate }

type QueueStatusRequest struct {
	Header
	Requestor
}

func (*QueueStatusRequest) Kind() enum.MessageKind { return enum.KindQueueStatusRequest }

type QueueStatusResponse struct {
	Header
	Requestor
	Queued  []int64                  `json:"queued"`
	Running []int64                  `json:"running"`
	Current entity.ResolvedResources `json:"current"`
}

func (*QueueStatusResponse) Kind() enum.MessageKind { return enum.KindQueueStatusResponse }

type Heartbeat struct {
	Header
	Time time.Time `json:"time"`
}

func (*Heartbeat) Kind() enum.MessageKind { return enum.KindHeartbeat }

type InstanceNodeComplete struct {
	Header
	InstanceId     int64 `json:"instanceId"`
	InstanceNodeId int64 `json:"instanceNodeId"`
}

func (*InstanceNodeComplete) Kind() enum.MessageKind { return enum.KindInstanceNodeComplete }

type Shutdown struct {
	Header
}

func (*Shutdown) Kind() enum.MessageKind { return enum.KindShutdown }

var registry = map[enum.MessageKind]func() Message{
	enum.KindTaskRequest:            func() Message { return new(TaskRequest) },
	enum.KindKillTasksRequest:       func() Message { return new(KillTasksRequest) },
	enum.KindKillTasksResponse:      func() Message { return new(KillTasksResponse) },
	enum.KindTaskKilled:             func() Message { return new(TaskKilled) },
	enum.KindHaltTasksRequest:       func() Message { return new(HaltTasksRequest) },
	enum.KindHaltTasksResponse:      func() Message { return new(HaltTasksResponse) },
	enum.KindTaskHalted:             func() Message { return new(TaskHalted) },
	enum.KindDeleteTasksRequest:     func() Message { return new(DeleteTasksRequest) },
	enum.KindDeleteTasksResponse:    func() Message { return new(DeleteTasksResponse) },
	enum.KindRestartTasksRequest:    func() Message { return new(RestartTasksRequest) },
	enum.KindRestartTasksResponse:   func() Message { return new(RestartTasksResponse) },
	enum.KindTaskStarted:            func() Message { return new(TaskStarted) },
	enum.KindTaskFinished:           func() Message { return new(TaskFinished) },
	enum.KindTaskAlert:              func() Message { return new(TaskAlert) },
	enum.KindWorkerResourcesRequest: func() Message { return new(WorkerResourcesRequest) },
	enum.KindWorkerResourcesReply:   func() Message { return new(WorkerResourcesResponse) },
	enum.KindWorkerResourcesUpdate:  func() Message { return new(WorkerResourcesUpdate) },
	enum.KindQueueStatusRequest:     func() Message { return new(QueueStatusRequest) },
	enum.KindQueueStatusResponse:    func() Message { return new(QueueStatusResponse) },
	enum.KindHeartbeat:              func() Message { return new(Heartbeat) },
	enum.KindInstanceNodeComplete:   func() Message { return new(InstanceNodeComplete) },
	enum.KindShutdown:               func() Message { return new(Shutdown) },
}

// NewMessage returns an empty message of the given kind
func NewMessage(kind enum.MessageKind) (Message, bool) {
	f, ok := registry[kind]
	if !ok {
		return nil, false
	}
	return f(), true
}
