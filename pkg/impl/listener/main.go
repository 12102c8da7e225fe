package listener

import (
	"github.com/mykube-run/sluice/pkg/types"
)

// Default is the global default listener, it does nothing
var Default = new(defaultListener)

type defaultListener struct {
}

func (d *defaultListener) OnTaskQueued(e types.ListenerEvent) {
}

func (d *defaultListener) OnTaskRunning(e types.ListenerEvent) {
}

func (d *defaultListener) OnTaskFinished(e types.ListenerEvent) {
}

func (d *defaultListener) OnTaskFailed(e types.ListenerEvent) {
}

func (d *defaultListener) OnTaskKilled(e types.ListenerEvent) {
}

func (d *defaultListener) OnTaskDeleted(e types.ListenerEvent) {
}

func (d *defaultListener) OnTaskAlert(e types.ListenerEvent) {
}

func (d *defaultListener) OnInstanceNodeTransition(e types.ListenerEvent) {
}

// Logging is a listener reporting alerts and transitions through a types.Logger
type Logging struct {
	lg types.Logger
}

func NewLogging(lg types.Logger) *Logging {
	return &Logging{lg: lg}
}

func (l *Logging) OnTaskQueued(e types.ListenerEvent) {
	l.lg.Log(types.LevelTrace, "taskId", e.TaskId, "message", "task queued")
}

func (l *Logging) OnTaskRunning(e types.ListenerEvent) {
	l.lg.Log(types.LevelDebug, "taskId", e.TaskId, "processId", e.ProcessId, "message", "task running")
}

func (l *Logging) OnTaskFinished(e types.ListenerEvent) {
	l.lg.Log(types.LevelDebug, "taskId", e.TaskId, "outcome", e.Outcome, "message", "task finished")
}

func (l *Logging) OnTaskFailed(e types.ListenerEvent) {
	l.lg.Log(types.LevelWarn, "taskId", e.TaskId, "outcome", e.Outcome, "reason", e.Message, "message", "task failed")
}

func (l *Logging) OnTaskKilled(e types.ListenerEvent) {
	l.lg.Log(types.LevelInfo, "taskId", e.TaskId, "message", "task killed")
}

func (l *Logging) OnTaskDeleted(e types.ListenerEvent) {
	l.lg.Log(types.LevelInfo, "taskId", e.TaskId, "message", "task deleted")
}

func (l *Logging) OnTaskAlert(e types.ListenerEvent) {
	l.lg.Log(types.LevelError, "taskId", e.TaskId, "instanceNodeId", e.InstanceNodeId, "alert", e.Message,
		"message", "operator alert")
}

func (l *Logging) OnInstanceNodeTransition(e types.ListenerEvent) {
	l.lg.Log(types.LevelInfo, "instanceNodeId", e.InstanceNodeId, "message", "instance node transitioned")
}
