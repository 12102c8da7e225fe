package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/entity"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/pkg/errors"
)

// runningTask is registered for every task a local handler is about to run or running
type runningTask struct {
	cancel context.CancelFunc
	done   chan struct{} // Closed once the task's final state was recorded

	mu     sync.Mutex
	reason enum.Outcome // Why the task was stopped, empty unless halted or deleted
	exited bool         // The process returned, later stops are ignored
}

func (rt *runningTask) stop(reason enum.Outcome) {
	rt.mu.Lock()
	if rt.reason == enum.OutcomeNone && !rt.exited {
		rt.reason = reason
	}
	rt.mu.Unlock()
	rt.cancel()
}

func (rt *runningTask) stoppedFor() enum.Outcome {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.reason
}

// exit marks the process as returned and reports why it was stopped, if it was
func (rt *runningTask) exit() enum.Outcome {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.exited = true
	return rt.reason
}

// handler is one worker slot pinned to the definition node the pool was sized for
type handler struct {
	m   *Manager
	res entity.ResolvedResources
}

// run processes requests of its definition node until it takes a request of another node or ctx is done
func (h *handler) run(ctx context.Context) {
	atomic.AddInt32(&h.m.active, 1)
	defer atomic.AddInt32(&h.m.active, -1)

	for {
		req, err := h.m.q.Take(ctx)
		if err != nil {
			return
		}
		if req.DefinitionNodeId != h.res.DefinitionNodeId {
			// Another pipeline node is up next, leave it to the next dispatch cycle
			if err = h.m.q.Put(req); err != nil {
				h.m.lg.Log(types.LevelError, "taskId", req.TaskId, "error", err, "message", "failed to put back task request")
			}
			return
		}
		h.handle(ctx, req)
		if ctx.Err() != nil {
			return
		}
	}
}

func (h *handler) handle(ctx context.Context, req *bus.TaskRequest) {
	defer func() {
		if boom := recover(); boom != nil {
			e := errors.Errorf("task handler panic: %v", boom)
			h.m.lg.Log(types.LevelError, "taskId", req.TaskId, "error", e, "message", "recovered from handler panic")
		}
	}()

	if !req.TransitionOnly {
		if !h.execute(ctx, req) {
			return
		}
	}
	if _, err := h.m.tr.Check(ctx, req.InstanceNodeId); err != nil {
		h.m.lg.Log(types.LevelError, "instanceNodeId", req.InstanceNodeId, "error", err,
			"message", "failed to check instance node transition")
	}
}

// execute runs the task process and records its outcome. It returns false when the transition check
// must be skipped, e.g. on shutdown.
func (h *handler) execute(ctx context.Context, req *bus.TaskRequest) bool {
	m := h.m
	task, err := m.db.GetTask(ctx, types.GetTaskOption{Id: req.TaskId})
	if err != nil {
		m.lg.Log(types.LevelError, "taskId", req.TaskId, "error", err, "message", "failed to get task")
		if errors.Is(err, enum.ErrTaskNotFound) {
			m.alert(req.TaskId, req.InstanceNodeId, "task not found")
		}
		return false
	}
	if task.State.Terminal() && !req.RunMode.Restart() {
		m.lg.Log(types.LevelInfo, "taskId", task.Id, "state", task.State, "runMode", req.RunMode,
			"message", "task already resolved, skipping without an explicit restart")
		return true
	}

	err = m.db.SetTransitionComplete(ctx, types.SetTransitionCompleteOption{InstanceNodeId: task.InstanceNodeId})
	if err != nil {
		m.lg.Log(types.LevelError, "instanceNodeId", task.InstanceNodeId, "error", err,
			"message", "failed to reset instance node transition")
		return false
	}
	// Registered before the task is marked processing so a kill or delete in between is not lost
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt := &runningTask{cancel: cancel, done: make(chan struct{})}
	m.running.Store(task.Id, rt)
	defer close(rt.done)

	upd := types.UpdateTaskStateOption{Ids: []int64{task.Id}, State: enum.TaskStateProcessing, Worker: m.id}
	if !req.RunMode.Restart() {
		// Killed or deleted since it was read
		upd.From = []enum.TaskState{enum.TaskStateInitialized, enum.TaskStateSubmitted, enum.TaskStateProcessing}
	}
	n, err := m.db.UpdateTaskState(ctx, upd)
	if err != nil {
		m.running.Delete(task.Id)
		m.lg.Log(types.LevelError, "taskId", task.Id, "error", err, "message", "failed to mark task processing")
		return false
	}
	if n == 0 {
		m.running.Delete(task.Id)
		m.lg.Log(types.LevelInfo, "taskId", task.Id, "message", "task resolved concurrently, skipping")
		return true
	}

	var code int
	if rt.stoppedFor() == enum.OutcomeNone {
		m.publish(&bus.TaskStarted{TaskId: task.Id, InstanceNodeId: task.InstanceNodeId})
		m.ls.OnTaskRunning(types.ListenerEvent{ProcessId: m.id, TaskId: task.Id, InstanceNodeId: task.InstanceNodeId})
		m.lg.Log(types.LevelInfo, "taskId", task.Id, "module", task.ModuleName, "memoryMB", h.res.MemoryMB,
			"message", "start to process task")
		code, err = m.exec.Run(tctx, task, h.res.MemoryMB)
	}
	reason := rt.exit()
	cancel()
	m.running.Delete(task.Id)

	ev := types.ListenerEvent{ProcessId: m.id, TaskId: task.Id, InstanceNodeId: task.InstanceNodeId}
	switch {
	case reason != enum.OutcomeNone:
		m.finish(task, enum.TaskStateError, reason, code)
		ev.Outcome = reason
		if reason == enum.OutcomeDeleted {
			m.ls.OnTaskDeleted(ev)
		} else {
			m.publish(&bus.TaskHalted{TaskId: task.Id})
			m.ls.OnTaskKilled(ev)
		}
	case ctx.Err() != nil:
		// Shutting down, the task is handed back for the next supervisor to run
		bg, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_, err = m.db.UpdateTaskState(bg, types.UpdateTaskStateOption{
			Ids: []int64{task.Id}, State: enum.TaskStateSubmitted, From: []enum.TaskState{enum.TaskStateProcessing},
		})
		m.lg.Log(types.LevelWarn, "taskId", task.Id, "error", err, "message", "task interrupted by shutdown")
		return false
	case err != nil:
		msg := fmt.Sprintf("failed to run task process: %v", err)
		m.finish(task, enum.TaskStateError, enum.OutcomeErrored, code)
		m.alert(task.Id, task.InstanceNodeId, msg)
		ev.Outcome, ev.Message = enum.OutcomeErrored, msg
		m.ls.OnTaskFailed(ev)
	case code != 0:
		msg := fmt.Sprintf("task process exited with code %v", code)
		m.finish(task, enum.TaskStateError, enum.OutcomeErrored, code)
		m.alert(task.Id, task.InstanceNodeId, msg)
		ev.Outcome, ev.Message = enum.OutcomeErrored, msg
		m.ls.OnTaskFailed(ev)
	default:
		m.finish(task, enum.TaskStateCompleted, enum.OutcomeCompleted, code)
		ev.Outcome = enum.OutcomeCompleted
		m.ls.OnTaskFinished(ev)
	}
	return true
}
