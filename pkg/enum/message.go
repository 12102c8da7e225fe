package enum

// MessageKind tags every concrete message type carried by the bus
type MessageKind string

const (
	KindTaskRequest            MessageKind = "TaskRequest"
	KindKillTasksRequest       MessageKind = "KillTasksRequest"
	KindKillTasksResponse      MessageKind = "KillTasksResponse"
	KindTaskKilled             MessageKind = "TaskKilled"
	KindHaltTasksRequest       MessageKind = "HaltTasksRequest"
	KindHaltTasksResponse      MessageKind = "HaltTasksResponse"
	KindTaskHalted             MessageKind = "TaskHalted"
	KindDeleteTasksRequest     MessageKind = "DeleteTasksRequest"
	KindDeleteTasksResponse    MessageKind = "DeleteTasksResponse"
	KindRestartTasksRequest    MessageKind = "RestartTasksRequest"
	KindRestartTasksResponse   MessageKind = "RestartTasksResponse"
	KindTaskStarted            MessageKind = "TaskStarted"
	KindTaskFinished           MessageKind = "TaskFinished"
	KindTaskAlert              MessageKind = "TaskAlert"
	KindWorkerResourcesRequest MessageKind = "WorkerResourcesRequest"
	KindWorkerResourcesReply   MessageKind = "WorkerResourcesResponse"
	KindWorkerResourcesUpdate  MessageKind = "WorkerResourcesUpdate"
	KindQueueStatusRequest     MessageKind = "QueueStatusRequest"
	KindQueueStatusResponse    MessageKind = "QueueStatusResponse"
	KindHeartbeat              MessageKind = "Heartbeat"
	KindInstanceNodeComplete   MessageKind = "InstanceNodeComplete"
	KindShutdown               MessageKind = "Shutdown"
)

// HeartbeatStatus is the health reported by a heartbeat detector
type HeartbeatStatus string

const (
	HeartbeatUninitialized HeartbeatStatus = "Uninitialized"
	HeartbeatNormal        HeartbeatStatus = "Normal"
	HeartbeatWarning       HeartbeatStatus = "Warning"
	HeartbeatError         HeartbeatStatus = "Error"
)
