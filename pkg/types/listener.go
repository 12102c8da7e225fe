package types

import "github.com/mykube-run/sluice/pkg/enum"

type ListenerEvent struct {
	ProcessId      string
	TaskId         int64
	InstanceNodeId int64
	Outcome        enum.Outcome
	Message        string
}

type Listener interface {
	OnTaskQueued(e ListenerEvent)
	OnTaskRunning(e ListenerEvent)
	OnTaskFinished(e ListenerEvent)
	OnTaskFailed(e ListenerEvent)
	OnTaskKilled(e ListenerEvent)
	OnTaskDeleted(e ListenerEvent)
	// OnTaskAlert raises an operator alert
	OnTaskAlert(e ListenerEvent)
	OnInstanceNodeTransition(e ListenerEvent)
}
